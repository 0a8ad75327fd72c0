package order

import "slices"

type State string

const (
	Received           State = "Received"
	ApproversReviewed  State = "ApproversReviewed"
	SelectedForSigning State = "SelectedForSigning"
	Signed             State = "Signed"
	Submitted          State = "Submitted"
	Completed          State = "Completed"
	CompletedWithError State = "CompletedWithError"
	NotSubmitted       State = "NotSubmitted"
	Error              State = "Error"
	Dropped            State = "Dropped"
	Reorged            State = "Reorged"
	Replaced           State = "Replaced"
	Cancelled          State = "Cancelled"
)

var (
	PendingStates  = []State{Received, ApproversReviewed}
	LockingStates  = []State{SelectedForSigning, Signed, Submitted}
	TerminalStates = []State{Completed, CompletedWithError, NotSubmitted, Dropped, Reorged, Replaced, Cancelled}
)

// AllStates in lifecycle order.
var AllStates = []State{
	Received, ApproversReviewed, SelectedForSigning, Signed, Submitted,
	Completed, CompletedWithError, NotSubmitted, Error, Dropped, Reorged, Replaced, Cancelled,
}

func (s State) IsPending() bool  { return slices.Contains(PendingStates, s) }
func (s State) IsLocking() bool  { return slices.Contains(LockingStates, s) }
func (s State) IsTerminal() bool { return slices.Contains(TerminalStates, s) }

func (s State) Valid() bool { return slices.Contains(AllStates, s) }

func (s State) String() string { return string(s) }

// Strings converts states to their persisted form.
func Strings(states []State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
