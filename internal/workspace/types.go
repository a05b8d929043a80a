package workspace

// DefaultLayout is the per-subject directory skeleton created by Provision.
var DefaultLayout = []string{
	"anat",
	"anat/freesurfer",
	"dwi",
	"fs2dwi",
	"tracts",
	"tracts/wmql",
	"tracts/wmqlqc",
}

// DefaultStagingDir is the directory under the root holding in-flight outputs.
const DefaultStagingDir = ".staging"

// ManagerConfig configures the workspace manager.
type ManagerConfig struct {
	Root       string   // derivatives root; every subject tree lives below it
	StagingDir string   // directory under Root for staging (default ".staging")
	Layout     []string // per-subject subdirectories (default DefaultLayout)
}

// Staging is a private directory an adapter writes into before its outputs
// are published to their final paths.
type Staging struct {
	Dir   string            // absolute staging directory
	Key   string            // owner, usually a node id
	Paths map[string]string // final path -> staged path
}

// StagedPath returns the staged counterpart of a final output path.
func (s *Staging) StagedPath(final string) string {
	return s.Paths[final]
}
