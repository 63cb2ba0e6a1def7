package core

// Notification is one server-pushed event: a method name and its payload.
type Notification struct {
	Method string
	Params any
}

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Notification) error
	Close()
}
