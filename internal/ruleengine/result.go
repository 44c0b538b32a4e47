package ruleengine

import "github.com/rafaeljc/bifrost/internal/splitter"

// Labels explaining how a treatment was chosen.
const (
	LabelDefinitionNotFound  = "definition not found"
	LabelKilled              = "killed"
	LabelNotInSplit          = "not in traffic allocation"
	LabelDefaultRule         = "default rule"
	LabelException           = "exception"
	LabelPrerequisitesNotMet = "prerequisites not met"
	LabelUnsupportedMatcher  = "targeting rule type unsupported by sdk"
)

// Result is the outcome of a single flag evaluation.
type Result struct {
	Treatment           string  `json:"treatment"`
	Label               string  `json:"label"`
	Config              *string `json:"config"`
	ChangeNumber        int64   `json:"change_number"`
	ElapsedMilliseconds int64   `json:"elapsed_ms"`
	Exception           bool    `json:"exception"`
	ImpressionsDisabled bool    `json:"-"`
}

func notFoundResult() Result {
	return Result{Treatment: splitter.Control, Label: LabelDefinitionNotFound}
}

func exceptionResult(changeNumber int64) Result {
	return Result{
		Treatment:    splitter.Control,
		Label:        LabelException,
		ChangeNumber: changeNumber,
		Exception:    true,
	}
}
