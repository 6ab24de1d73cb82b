package rebase

// Status classifies the result of replaying a branch onto its destination.
type Status int

const (
	// UpToDate means the destination tip is already contained in the branch.
	UpToDate Status = iota
	// FastForward means the branch had no own commits beyond the merge base.
	FastForward
	// OK means the commits were replayed without conflicts.
	OK
	// Conflict means git stopped with conflicting changes.
	Conflict
	// Unexpected is any other failure; Outcome.Detail carries git's output.
	Unexpected
)

func (s Status) String() string {
	switch s {
	case UpToDate:
		return "up_to_date"
	case FastForward:
		return "fast_forward"
	case OK:
		return "ok"
	case Conflict:
		return "conflict"
	default:
		return "unexpected"
	}
}

// Outcome is the result of a rebase attempt.
type Outcome struct {
	Status Status
	Detail string
}

// Succeeded reports whether the branch ended up on top of its destination.
func (o Outcome) Succeeded() bool {
	switch o.Status {
	case UpToDate, FastForward, OK:
		return true
	}
	return false
}

func unexpected(detail string) Outcome {
	return Outcome{Status: Unexpected, Detail: detail}
}
