package persistence

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aristath/dwiflow/internal/events"
)

// Recorder journals bus events into a Store. A run row is normally created
// by the job's start event; node events for an unknown run id create it
// from the node's identity instead, so node outcomes never reference a
// missing run.
type Recorder struct {
	store  Store
	logger zerolog.Logger

	mu    sync.Mutex
	begun map[string]bool
}

// NewRecorder creates a recorder writing to store.
func NewRecorder(store Store, logger zerolog.Logger) *Recorder {
	return &Recorder{store: store, logger: logger, begun: make(map[string]bool)}
}

// Run consumes ch until it is closed or ctx is done. Store errors are logged
// and do not stop the recorder.
func (r *Recorder) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := r.Handle(ctx, ev); err != nil {
				r.logger.Warn().Err(err).Str("event", ev.EventType()).Msg("failed to record event")
			}
		}
	}
}

// Handle records a single event. Events that carry no outcome are ignored.
func (r *Recorder) Handle(ctx context.Context, ev events.Event) error {
	switch e := ev.(type) {
	case events.NodeSkippedEvent:
		return r.node(ctx, e.Node, NodeRecord{
			Outcome:    NodeSkipped,
			Outputs:    e.Outputs,
			RecordedAt: e.Timestamp,
		})
	case events.NodeCompletedEvent:
		return r.node(ctx, e.Node, NodeRecord{
			Outcome:    NodeCompleted,
			Outputs:    e.Outputs,
			Duration:   e.Duration,
			RecordedAt: e.Timestamp,
		})
	case events.NodeFailedEvent:
		rec := NodeRecord{
			Outcome:    NodeFailed,
			Missing:    e.Missing,
			TimedOut:   e.TimedOut,
			Duration:   e.Duration,
			RecordedAt: e.Timestamp,
		}
		if e.Err != nil {
			rec.Error = e.Err.Error()
		}
		return r.node(ctx, e.Node, rec)
	case events.JobStartedEvent:
		if e.RunID == "" {
			return nil
		}
		return r.begin(ctx, RunRecord{
			ID:        e.RunID,
			Subject:   e.Subject,
			Branch:    e.Branch,
			StartedAt: e.Timestamp,
		})
	case events.JobFinishedEvent:
		if e.RunID == "" {
			return nil
		}
		if err := r.begin(ctx, RunRecord{
			ID:        e.RunID,
			Subject:   e.Subject,
			Branch:    e.Branch,
			Terminal:  e.Terminal,
			StartedAt: e.Timestamp.Add(-e.Duration),
		}); err != nil {
			return err
		}
		return r.store.FinishRun(ctx, e.RunID, e.Terminal, e.Err, e.Timestamp)
	}
	return nil
}

func (r *Recorder) node(ctx context.Context, ref events.NodeRef, rec NodeRecord) error {
	if ref.RunID == "" {
		return nil
	}
	if err := r.begin(ctx, RunRecord{
		ID:        ref.RunID,
		Subject:   ref.Subject,
		Branch:    ref.Branch,
		StartedAt: rec.RecordedAt,
	}); err != nil {
		return err
	}
	rec.RunID = ref.RunID
	rec.NodeID = ref.ID
	rec.Stage = ref.Stage
	rec.Branch = ref.Branch
	return r.store.RecordNode(ctx, rec)
}

func (r *Recorder) begin(ctx context.Context, run RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.begun[run.ID] {
		return nil
	}
	if err := r.store.BeginRun(ctx, run); err != nil {
		return err
	}
	r.begun[run.ID] = true
	return nil
}
