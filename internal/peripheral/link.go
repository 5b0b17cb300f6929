package peripheral

import "sync"

// DisconnectNotifier is implemented by handles that report the end of their connection.
// Disconnected is closed once the link is gone, after which DisconnectCause returns the
// reason: nil for a requested disconnect, an error wrapping ErrConnectionLost otherwise.
type DisconnectNotifier interface {
	Disconnected() <-chan struct{}
	DisconnectCause() error
}

// Link records the end of a connection. The zero value is an open link.
type Link struct {
	mu    sync.Mutex
	done  chan struct{}
	ended bool
	cause error
}

func (l *Link) doneLocked() chan struct{} {
	if l.done == nil {
		l.done = make(chan struct{})
	}
	return l.done
}

// Disconnected returns a channel closed when End is first called
func (l *Link) Disconnected() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.doneLocked()
}

// DisconnectCause returns the cause passed to End
func (l *Link) DisconnectCause() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cause
}

// End closes the link with cause. Only the first call has an effect; it reports whether
// this call ended the link.
func (l *Link) End(cause error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ended {
		return false
	}
	l.ended = true
	l.cause = cause
	close(l.doneLocked())
	return true
}
