// Package session drives the lifecycle of each agent session and exposes
// the contract the CLI layer consumes: create, send, list, close, prune.
//
// A Coordinator composes the shared rpc client, the workspace provisioner,
// and the terminal manager. Each session moves through a small state
// machine; the coordinator is the only writer of session state, and the
// rpc read loop reaches sessions only through the coordinator's
// notification handler.
package session

// State is a session's lifecycle state.
type State int

const (
	// StateCreated: name reserved, no resources provisioned yet.
	StateCreated State = iota
	// StateProvisioning: workspace and terminal are being set up.
	StateProvisioning
	// StateReady: provisioned, no request outstanding.
	StateReady
	// StateBusy: exactly one request outstanding.
	StateBusy
	// StateClosing: pending requests cancelled, resources tearing down.
	StateClosing
	// StateClosed: terminal. Resources released, retained for listing.
	StateClosed
	// StateFailed: terminal. Holds a human-readable cause.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateProvisioning:
		return "provisioning"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}
