package subscription

// transitions lists the status changes internal actors may make. Processor
// events are not checked against it.
var transitions = map[Status][]Status{
	StatusTrialing:  {StatusActive, StatusPastDue, StatusCancelled, StatusExpired},
	StatusActive:    {StatusPastDue, StatusCancelled, StatusExpired},
	StatusPastDue:   {StatusActive, StatusCancelled, StatusExpired},
	StatusCancelled: {StatusExpired},
	StatusExpired:   {},
}

// CanTransition reports whether an internal actor may move a row from one
// status to another. Keeping the same status is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
