package session

// State is the lifecycle phase of a session.
type State int32

const (
	// StateIdle is the zero value before the server starts.
	StateIdle State = iota

	// StateAwaitingIngress means the server is up and no connection has
	// arrived yet.
	StateAwaitingIngress

	// StateAwaitingGate means audio may be arriving but forwarding is not
	// yet authorized (Remote mode before the platform webhook).
	StateAwaitingGate

	// StateStreaming means the gate is open and the provider stream has
	// been requested.
	StateStreaming

	// StateDraining means teardown is in progress.
	StateDraining

	// StateTerminated is the final state; all resources are released.
	StateTerminated

	// StateFatalError is entered when the provider stream cannot be opened.
	// The session drains after a grace window.
	StateFatalError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingIngress:
		return "awaiting_ingress"
	case StateAwaitingGate:
		return "awaiting_gate"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	case StateFatalError:
		return "fatal_error"
	default:
		return "unknown"
	}
}
