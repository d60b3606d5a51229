package supervisor

// Status is the lifecycle state of the supervised child.
type Status string

const (
	// StatusUnstarted is the state before the first Start. It is never
	// treated as started.
	StatusUnstarted Status = "unstarted"
	StatusStarting  Status = "starting"
	StatusStarted   Status = "started"
	StatusStopped   Status = "stopped"
	StatusCrashed   Status = "crashed"
)

var allowedTransitions = map[Status]map[Status]bool{
	StatusUnstarted: {StatusStarting: true},
	StatusStarting:  {StatusStarting: true, StatusStarted: true, StatusStopped: true, StatusCrashed: true},
	StatusStarted:   {StatusStarting: true, StatusStopped: true, StatusCrashed: true},
	StatusStopped:   {StatusStarting: true},
	StatusCrashed:   {StatusStarting: true},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to Status) bool {
	return allowedTransitions[from][to]
}

func (s Status) String() string { return string(s) }
