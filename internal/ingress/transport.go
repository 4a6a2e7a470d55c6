// Package ingress decodes inbound frames off the client transport,
// validates them, applies a per-session rate limit, and routes admitted
// work into the scheduler's lanes.
package ingress

// MessageKind distinguishes text from binary transport messages, mirroring
// the distinction spec.md §6 requires ("binary messages ->
// binary_not_supported") without coupling this package to a specific
// transport library's constants.
type MessageKind int

const (
	KindText MessageKind = iota
	KindBinary
)

// Conn is the minimal bidirectional message-transport surface the core
// decoder needs. The concrete client transport (an upgraded websocket
// connection) is out of core scope per spec.md §1; cmd/router supplies a
// github.com/gorilla/websocket-backed implementation at the edge.
type Conn interface {
	ReadMessage() (kind MessageKind, data []byte, err error)
	WriteMessage(data []byte) error
	RemoteAddr() string
	Close() error
}
