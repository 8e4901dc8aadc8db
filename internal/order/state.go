package order

var transitions = map[Status][]Status{
	StatusPending:       {StatusExecuted, StatusPartialFilled, StatusCancelled},
	StatusPartialFilled: {StatusExecuted, StatusClosedTP, StatusClosedSL, StatusClosedManual, StatusClosedExternally, StatusMismatch},
	StatusExecuted:      {StatusClosedTP, StatusClosedSL, StatusClosedManual, StatusClosedExternally, StatusMismatch},
}

// CanTransition reports whether from → to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Predecessors lists every status that may move to to.
func Predecessors(to Status) []Status {
	var out []Status
	for _, from := range []Status{StatusPending, StatusPartialFilled, StatusExecuted} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// IsTerminal reports whether no transition leaves s.
func IsTerminal(s Status) bool {
	return len(transitions[s]) == 0
}

// IsOpen reports whether the order holds a live position.
func IsOpen(s Status) bool {
	return s == StatusExecuted || s == StatusPartialFilled
}

// OpenStatuses are the statuses that hold a live position.
var OpenStatuses = []Status{StatusExecuted, StatusPartialFilled}
