package scheduler

import (
	"path/filepath"

	"github.com/aristath/dwiflow/internal/workspace"
)

// StageTag names the lineage of an artifact: the per-subject category
// directory it lives in and the BIDS "desc" entity that distinguishes it.
type StageTag struct {
	Category string // subdirectory under sub-<id>, e.g. "dwi", "tracts"
	Desc     string // desc entity, e.g. "XcEd"
	Suffix   string // optional trailing BIDS suffix, e.g. "dwi", "bse"
}

// Validate rejects tags the deriver cannot map injectively.
func (t StageTag) Validate() error {
	if !isLabel(t.Category, true) {
		return configErrorf("stage tag category", "%q must be alphanumeric path segments", t.Category)
	}
	if t.Desc == "" || !isLabel(t.Desc, false) {
		return configErrorf("stage tag desc", "%q must be non-empty and alphanumeric", t.Desc)
	}
	if t.Suffix != "" && !isLabel(t.Suffix, false) {
		return configErrorf("stage tag suffix", "%q must be alphanumeric", t.Suffix)
	}
	return nil
}

// Derive maps (subject, tag) to the canonical output path prefix:
//
//	<root>/sub-<subject>/<category>/sub-<subject>_desc-<desc>[_<suffix>]
//
// It is pure and never touches the filesystem. Subjects must already have
// passed ValidateSubject and tags StageTag.Validate; with those charsets the
// '-' and '_' delimiters cannot appear inside a component, so distinct inputs
// never produce the same prefix.
func Derive(root, subject string, tag StageTag) string {
	name := "sub-" + subject + "_desc-" + tag.Desc
	if tag.Suffix != "" {
		name += "_" + tag.Suffix
	}
	return filepath.Join(root, SubjectDir(subject), filepath.FromSlash(tag.Category), name)
}

// SubjectDir is the per-subject namespace directory name.
func SubjectDir(subject string) string {
	return workspace.SubjectDir(subject)
}

// ValidateSubject rejects identities that are empty or that could escape or
// alias the per-subject namespace.
func ValidateSubject(subject string) error {
	if subject == "" {
		return configErrorf("subject", "identity must not be empty")
	}
	if !isLabel(subject, false) {
		return configErrorf("subject", "%q must contain only ASCII letters and digits", subject)
	}
	return nil
}

// isLabel reports whether s is made of ASCII letters and digits. When
// allowSlash is set, '/' separated segments are accepted (no empty segments).
func isLabel(s string, allowSlash bool) bool {
	if s == "" {
		return false
	}
	prevSlash := true
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			prevSlash = false
		case r == '/' && allowSlash && !prevSlash:
			prevSlash = true
		default:
			return false
		}
	}
	return !prevSlash
}
