package peer

// ConnState enumerates the lifecycle of a peer connection attempt (spec
// §4.5): New -> Handshaking -> BtHandshaked -> [ExtHandshaked] ->
// Operational, with a transition to Closed reachable from any state.
// Handshaker.Initialize/Accept/Establish only ever return a Conn once a
// connection has reached Operational (when both sides negotiated BEP10,
// Establish/Initialize send our extended handshake before returning; the
// remote's arrives later as an Extended message); peerpool tracks the earlier, still-failable states for
// in-flight dials so it can enforce its connection caps before a Conn
// even exists.
type ConnState int

const (
	StateNew ConnState = iota
	StateHandshaking
	StateBtHandshaked
	StateExtHandshaked
	StateOperational
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateHandshaking:
		return "handshaking"
	case StateBtHandshaked:
		return "bt_handshaked"
	case StateExtHandshaked:
		return "ext_handshaked"
	case StateOperational:
		return "operational"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
