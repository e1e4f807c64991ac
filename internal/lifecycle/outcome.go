package lifecycle

// StepStatus classifies how one step of a best-effort sequence ended.
type StepStatus string

const (
	StepOK      StepStatus = "ok"
	StepSkipped StepStatus = "skipped"
	StepFailed  StepStatus = "failed"
)

// Step is the outcome of one cleanup step. Failures in advisory steps are
// recorded here instead of failing the whole operation.
type Step struct {
	Status StepStatus `json:"status"`
	Error  string     `json:"error,omitempty"`
}

func stepOK() Step      { return Step{Status: StepOK} }
func stepSkipped() Step { return Step{Status: StepSkipped} }
func stepFailed(err error) Step {
	return Step{Status: StepFailed, Error: err.Error()}
}

// DeleteOutcome reports each step of a server deletion. The steps proceed
// independently: a failed remote detach never blocks local cleanup.
type DeleteOutcome struct {
	ServerID      string `json:"server_id"`
	RemoteDelete  Step   `json:"remote_delete"`
	ReleasePorts  Step   `json:"release_ports"`
	OwnerDetach   Step   `json:"owner_detach"`
	CanonicalDrop Step   `json:"canonical_drop"`
}

// CascadeOutcome reports a cascading cleanup over every server bound to a
// node or user.
type CascadeOutcome struct {
	Deleted int              `json:"deleted"`
	Servers []*DeleteOutcome `json:"servers,omitempty"`
}
