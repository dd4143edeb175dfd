package production

// transitions is the declared state machine. Terminal states map to an empty
// set; anything not listed is rejected by Transition.
var transitions = map[OrderStatus][]OrderStatus{
	StatusDraft:      {StatusPlanned, StatusCancelled},
	StatusPlanned:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
	StatusCompleted:  {},
	StatusCancelled:  {},
}

// Transition is the single guard every state change passes through.
func Transition(current, target OrderStatus) error {
	allowed, ok := transitions[current]
	if ok {
		for _, s := range allowed {
			if s == target {
				return nil
			}
		}
	}
	return &TransitionError{Current: current, Target: target, Allowed: allowed}
}
