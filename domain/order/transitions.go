package order

import "slices"

// predecessors maps a target state to the states an order may leave to
// reach it. Received has no predecessors: it is only ever written on create.
var predecessors = map[State][]State{
	ApproversReviewed:  {Received},
	SelectedForSigning: {ApproversReviewed},
	Signed:             {SelectedForSigning},
	Submitted:          {Signed},
	Completed:          {Submitted},
	CompletedWithError: {Submitted},
	NotSubmitted:       {SelectedForSigning, Signed},
	Error:              {Received, ApproversReviewed, SelectedForSigning, Signed, Submitted},
	Dropped:            {Submitted},
	Reorged:            {Submitted},
	Replaced:           {Signed, Submitted},
	Cancelled:          {Received, ApproversReviewed, SelectedForSigning, Signed},
}

// overrides narrows the default table for specific order types. A nil
// entry means the type may never reach that state.
var overrides = map[Type]map[State][]State{
	Sponsored: {
		// sponsored orders are only ever superseded by their gas paying wrapper
		Replaced:  nil,
		Cancelled: {Received, ApproversReviewed},
	},
	SpeedUp: {
		Replaced: {Submitted},
	},
	Cancellation: {
		Replaced: {Submitted},
	},
}

// cancellableStates are the states in which RequestCancellation is legal.
var cancellableStates = []State{Signed, Received, ApproversReviewed, SelectedForSigning}

// Predecessors returns the legal predecessor states of target for orders of
// type t. KeyCreation orders never transition inside the engine.
func Predecessors(t Type, target State) []State {
	if t == KeyCreation || !t.Valid() {
		return nil
	}
	if byState, ok := overrides[t]; ok {
		if preds, ok := byState[target]; ok {
			return slices.Clone(preds)
		}
	}
	return slices.Clone(predecessors[target])
}

// CanTransition reports whether an order of type t may move from -> to.
func CanTransition(t Type, from, to State) bool {
	return slices.Contains(Predecessors(t, to), from)
}

// CancellableStates returns the states accepting a cancellation request.
func CancellableStates() []State {
	return slices.Clone(cancellableStates)
}
