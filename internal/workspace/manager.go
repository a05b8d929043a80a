package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
)

// Manager owns the derivatives root: subject skeletons and output staging.
type Manager struct {
	config ManagerConfig
}

// NewManager creates a workspace manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.StagingDir == "" {
		cfg.StagingDir = DefaultStagingDir
	}
	if cfg.Layout == nil {
		cfg.Layout = DefaultLayout
	}
	return &Manager{config: cfg}
}

// Root returns the derivatives root.
func (m *Manager) Root() string {
	return m.config.Root
}

// SubjectDir is the per-subject namespace directory name.
func SubjectDir(subject string) string {
	return "sub-" + subject
}

// Provision creates the subject's directory skeleton under the root. It is a
// no-op when the tree already exists and fails when the root is unwritable.
func (m *Manager) Provision(subject string) error {
	if subject == "" {
		return fmt.Errorf("provision: empty subject")
	}
	if err := os.MkdirAll(m.config.Root, 0755); err != nil {
		return fmt.Errorf("provision: creating root %s: %w", m.config.Root, err)
	}
	if err := checkWritable(m.config.Root); err != nil {
		return fmt.Errorf("provision: %w", err)
	}

	base := filepath.Join(m.config.Root, SubjectDir(subject))
	for _, rel := range m.config.Layout {
		dir := filepath.Join(base, filepath.FromSlash(rel))
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("provision: creating %s: %w", dir, err)
		}
	}
	return nil
}

// checkWritable fails when dir does not accept new entries.
func checkWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return fmt.Errorf("root %s is not writable: %w", dir, err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// CreateStaging allocates a staging directory for the given final outputs.
// Every output must sit under the root and basenames must be unique, since
// tools commonly derive sibling file names from a shared prefix.
func (m *Manager) CreateStaging(key string, outputs []string) (*Staging, error) {
	stagingRoot := filepath.Join(m.config.Root, m.config.StagingDir)
	if err := os.MkdirAll(stagingRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging root: %w", err)
	}

	dir := filepath.Join(stagingRoot, fmt.Sprintf("%d-%s", os.Getpid(), uuid.NewString()))
	if err := os.Mkdir(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging dir: %w", err)
	}

	st := &Staging{Dir: dir, Key: key, Paths: make(map[string]string, len(outputs))}
	seen := make(map[string]string, len(outputs))
	for _, final := range outputs {
		base := filepath.Base(final)
		if prev, dup := seen[base]; dup && prev != final {
			_ = os.RemoveAll(dir)
			return nil, fmt.Errorf("outputs %s and %s share basename %q", prev, final, base)
		}
		seen[base] = final
		st.Paths[final] = filepath.Join(dir, base)
	}
	return st, nil
}

// Publish moves every staged output to its final path. It refuses to publish
// anything unless all staged files exist, so a failed tool never leaves a
// partial set of outputs behind.
func (m *Manager) Publish(st *Staging) error {
	finals := make([]string, 0, len(st.Paths))
	for final := range st.Paths {
		finals = append(finals, final)
	}
	sort.Strings(finals)

	var missing []string
	for _, final := range finals {
		if _, err := os.Stat(st.Paths[final]); err != nil {
			missing = append(missing, filepath.Base(final))
		}
	}
	if len(missing) > 0 {
		return &IncompleteError{Missing: missing}
	}

	for _, final := range finals {
		if err := os.MkdirAll(filepath.Dir(final), 0755); err != nil {
			return fmt.Errorf("failed to create output dir: %w", err)
		}
		if err := os.Rename(st.Paths[final], final); err != nil {
			return fmt.Errorf("failed to publish %s: %w", final, err)
		}
	}
	return nil
}

// Cleanup removes the staging directory and anything left inside it.
func (m *Manager) Cleanup(st *Staging) error {
	if st == nil || st.Dir == "" {
		return nil
	}
	if err := os.RemoveAll(st.Dir); err != nil {
		return fmt.Errorf("failed to remove staging dir %s: %w", st.Dir, err)
	}
	return nil
}

// Prune removes staging directories left behind by processes that no longer
// run on this host. Directories owned by live processes are kept.
func (m *Manager) Prune() (int, error) {
	stagingRoot := filepath.Join(m.config.Root, m.config.StagingDir)
	entries, err := os.ReadDir(stagingRoot)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to list staging dirs: %w", err)
	}

	removed := 0
	var errs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pidStr, _, ok := strings.Cut(e.Name(), "-")
		if !ok {
			continue
		}
		pid, err := strconv.Atoi(pidStr)
		if err != nil || ProcessAlive(pid) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(stagingRoot, e.Name())); err != nil {
			errs = append(errs, err.Error())
			continue
		}
		removed++
	}

	if len(errs) > 0 {
		return removed, fmt.Errorf("prune errors: %s", strings.Join(errs, "; "))
	}
	return removed, nil
}

// IncompleteError reports staged outputs the collaborator never produced.
type IncompleteError struct {
	Missing []string
}

func (e *IncompleteError) Error() string {
	return "staged outputs missing: " + strings.Join(e.Missing, ", ")
}

// ProcessAlive reports whether pid names a running process on this host.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if pid == os.Getpid() {
		return true
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
