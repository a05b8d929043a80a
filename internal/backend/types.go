package backend

// Tool kinds understood by New.
const (
	KindAlign   = "align"
	KindEddy    = "eddy"
	KindEpi     = "epi"
	KindBSE     = "bse"
	KindBetMask = "betmask"
	KindUKF     = "ukf"
	KindCommand = "command"
)

// Config describes how one stage's external tool is invoked.
type Config struct {
	Kind    string   // one of the Kind* constants
	Command string   // executable name or path
	Args    []string // extra args; for KindCommand the full argv template
}
