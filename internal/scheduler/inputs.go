package scheduler

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SubjectPlaceholder in an input pattern is replaced by the subject id.
const SubjectPlaceholder = "{id}"

// InputSpec describes how one raw input is located. A spec is either a glob
// Pattern, or a sibling of another input: the sibling's path is the other
// input's path with its (possibly two-part) extension replaced by Ext.
type InputSpec struct {
	Pattern   string `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	SiblingOf string `json:"sibling_of,omitempty" yaml:"sibling_of,omitempty"`
	Ext       string `json:"ext,omitempty" yaml:"ext,omitempty"`
}

// DefaultInputSpecs locates the dwi series, its gradient tables and the T2
// image in a BIDS dataset.
func DefaultInputSpecs() map[string]InputSpec {
	return map[string]InputSpec{
		RawDWI:  {Pattern: "sub-{id}/dwi/*_dwi.nii.gz"},
		RawBval: {SiblingOf: RawDWI, Ext: ".bval"},
		RawBvec: {SiblingOf: RawDWI, Ext: ".bvec"},
		RawT2:   {Pattern: "sub-{id}/anat/*_T2w.nii.gz"},
	}
}

// GlobInputs resolves raw inputs by globbing below Dir.
type GlobInputs struct {
	Dir   string
	Specs map[string]InputSpec
}

// Keys returns the resolvable keys in lexical order.
func (g *GlobInputs) Keys() []string {
	keys := make([]string, 0, len(g.Specs))
	for k := range g.Specs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Resolve returns the single file matching key for subject. Zero or several
// matches, or a missing sibling, yield *InputNotFoundError.
func (g *GlobInputs) Resolve(subject, key string) (string, error) {
	return g.resolve(subject, key, 0)
}

func (g *GlobInputs) resolve(subject, key string, depth int) (string, error) {
	spec, ok := g.Specs[key]
	if !ok {
		return "", configErrorf("inputs", "no input spec for key %q", key)
	}
	if depth > len(g.Specs) {
		return "", configErrorf("inputs", "sibling chain for %q does not terminate", key)
	}

	if spec.SiblingOf != "" {
		base, err := g.resolve(subject, spec.SiblingOf, depth+1)
		if err != nil {
			return "", err
		}
		sibling := trimImageExt(base) + spec.Ext
		if _, err := os.Stat(sibling); err != nil {
			return "", &InputNotFoundError{Subject: subject, Key: key, Pattern: sibling}
		}
		return sibling, nil
	}

	pattern := filepath.Join(g.Dir, strings.ReplaceAll(spec.Pattern, SubjectPlaceholder, subject))
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", configErrorf("inputs", "bad pattern for %q: %v", key, err)
	}
	if len(matches) != 1 {
		sort.Strings(matches)
		return "", &InputNotFoundError{Subject: subject, Key: key, Pattern: pattern, Matches: matches}
	}
	return matches[0], nil
}

// trimImageExt strips ".nii.gz", or else the last extension.
func trimImageExt(p string) string {
	if strings.HasSuffix(p, ".nii.gz") {
		return strings.TrimSuffix(p, ".nii.gz")
	}
	return strings.TrimSuffix(p, filepath.Ext(p))
}
