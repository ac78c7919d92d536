package domain

type State int

const (
	StateAwaitingGreeting   State = iota // method negotiation
	StateAwaitingRequest                 // CONNECT request
	StateAwaitingResolution              // DNS
)

func (s State) String() string {
	switch s {
	case StateAwaitingGreeting:
		return "awaiting_greeting"
	case StateAwaitingRequest:
		return "awaiting_request"
	case StateAwaitingResolution:
		return "awaiting_resolution"
	default:
		return "unknown"
	}
}

// Attachment is what a registered descriptor maps to: either a *Connection
// still in the handshake or a *Tunnel.
type Attachment interface {
	attachment()
}

// Connection is an accepted client that has not been promoted to a Tunnel.
type Connection struct {
	ClientFD int
	Peer     string
	State    State
	Interest EventType

	// Inbound holds handshake bytes received but not yet consumed.
	Inbound []byte

	TargetHost string
	TargetPort uint16
	QueryID    uint16
}

func (*Connection) attachment() {}

// Tunnel owns both sockets of a CONNECT and the two directional queues.
// ClientToServer is written to ServerFD; ServerToClient is written to ClientFD.
type Tunnel struct {
	ClientFD int
	ServerFD int
	Peer     string
	Target   string

	// Established is set once the outbound connect has completed.
	Established bool

	ClientToServer *Queue
	ServerToClient *Queue

	ClientInterest EventType
	ServerInterest EventType
}

func (*Tunnel) attachment() {}

func NewTunnel(clientFD, serverFD int) *Tunnel {
	return &Tunnel{
		ClientFD:       clientFD,
		ServerFD:       serverFD,
		ClientToServer: &Queue{},
		ServerToClient: &Queue{},
	}
}

// PeerOf returns the other descriptor of the tunnel.
func (t *Tunnel) PeerOf(fd int) int {
	if fd == t.ClientFD {
		return t.ServerFD
	}
	return t.ClientFD
}

// QueueTo returns the queue whose bytes are written to fd.
func (t *Tunnel) QueueTo(fd int) *Queue {
	if fd == t.ServerFD {
		return t.ClientToServer
	}
	return t.ServerToClient
}

// QueueFrom returns the queue that bytes read from fd are appended to.
func (t *Tunnel) QueueFrom(fd int) *Queue {
	if fd == t.ClientFD {
		return t.ClientToServer
	}
	return t.ServerToClient
}

// Release drops all buffered but unwritten data.
func (t *Tunnel) Release() {
	t.ClientToServer.Reset()
	t.ServerToClient.Reset()
}
