package manager

// Phase is the controller's view of the child lifecycle.
//
// Stopped -> Starting -> Probing -> Ready
// Starting|Probing|Ready -> Stopped
type Phase int32

const (
	PhaseStopped Phase = iota
	PhaseStarting
	PhaseProbing
	PhaseReady
)

func (p Phase) String() string {
	switch p {
	case PhaseStopped:
		return "stopped"
	case PhaseStarting:
		return "starting"
	case PhaseProbing:
		return "probing"
	case PhaseReady:
		return "ready"
	default:
		return "unknown"
	}
}
