package domain

// EventType is a set of readiness kinds. As an interest mask it may combine
// EventRead and EventWrite; as a delivered event it holds exactly one kind.
type EventType uint32

const (
	EventRead  EventType = 0x1
	EventWrite EventType = 0x4 // EPOLLOUT
	// EventError is delivered when the descriptor reports an error or hang-up
	// without being readable or writable. It is never part of an interest mask.
	EventError EventType = 0x8
)

type EventHandler interface {
	HandleEvent(fd int, event EventType) error
}

type EventLoop interface {
	Register(fd int, events EventType) error
	Modify(fd int, events EventType) error
	Unregister(fd int) error
	Run(handler EventHandler) error
	Stop() error
}

// Answer is the outcome of one name lookup.
type Answer struct {
	ID   uint16
	Name string
	Addr [4]byte
	Err  error
}

// Resolver issues name lookups over a descriptor that the event loop watches
// for readability. Query and ReadAnswer never block.
//
// TimerFD becomes readable when an outstanding query is due for retransmission
// or has run out of attempts; Expire then resends what it can and returns a
// failed Answer for every query that gave up.
type Resolver interface {
	FD() int
	TimerFD() int
	Query(host string) (uint16, error)
	ReadAnswer() (Answer, error)
	Expire() []Answer
	Cancel(id uint16)
	Close() error
}
