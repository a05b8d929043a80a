package scheduler

// InputSource resolves raw input keys for a subject.
type InputSource interface {
	Resolve(subject, key string) (string, error)
}

// RunContext carries the per-run state that is not part of the definition.
type RunContext struct {
	Root    string
	Subject string
	Locks   *LockRegistry
	Inputs  InputSource
	RunID   string // tags published events; optional
}

// NewRunContext validates subject and returns a RunContext. A nil lock
// registry gets an in-process one.
func NewRunContext(root, subject string, locks *LockRegistry, inputs InputSource) (*RunContext, error) {
	if root == "" {
		return nil, configErrorf("root", "derivatives root must not be empty")
	}
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if locks == nil {
		locks = NewLockRegistry(LockOptions{})
	}
	return &RunContext{Root: root, Subject: subject, Locks: locks, Inputs: inputs}, nil
}

// ForSubject returns a copy of rc bound to another subject.
func (rc *RunContext) ForSubject(subject string) (*RunContext, error) {
	next, err := NewRunContext(rc.Root, subject, rc.Locks, rc.Inputs)
	if err != nil {
		return nil, err
	}
	next.RunID = rc.RunID
	return next, nil
}
