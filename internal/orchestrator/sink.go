package orchestrator

import (
	"sync"

	"devcall/internal/media"
)

// Sink receives UI-facing notifications. Calls arrive in order on a single
// goroutine that is not the orchestrator loop, so a Sink may call intents on
// the Orchestrator. It must not call Close.
type Sink interface {
	StateChanged(from, to State, reason string)
	RemoteParticipantJoined(remoteID string)
	RemoteParticipantLeft(remoteID string)
	RemoteTrackAttached(remoteID string, kind media.Kind)
	DegradedMedia(remoteID string, kind media.Kind, err error)
}

// SinkFuncs adapts plain funcs to Sink. Nil fields are skipped.
type SinkFuncs struct {
	OnStateChanged            func(from, to State, reason string)
	OnRemoteParticipantJoined func(remoteID string)
	OnRemoteParticipantLeft   func(remoteID string)
	OnRemoteTrackAttached     func(remoteID string, kind media.Kind)
	OnDegradedMedia           func(remoteID string, kind media.Kind, err error)
}

func (f SinkFuncs) StateChanged(from, to State, reason string) {
	if f.OnStateChanged != nil {
		f.OnStateChanged(from, to, reason)
	}
}

func (f SinkFuncs) RemoteParticipantJoined(remoteID string) {
	if f.OnRemoteParticipantJoined != nil {
		f.OnRemoteParticipantJoined(remoteID)
	}
}

func (f SinkFuncs) RemoteParticipantLeft(remoteID string) {
	if f.OnRemoteParticipantLeft != nil {
		f.OnRemoteParticipantLeft(remoteID)
	}
}

func (f SinkFuncs) RemoteTrackAttached(remoteID string, kind media.Kind) {
	if f.OnRemoteTrackAttached != nil {
		f.OnRemoteTrackAttached(remoteID, kind)
	}
}

func (f SinkFuncs) DegradedMedia(remoteID string, kind media.Kind, err error) {
	if f.OnDegradedMedia != nil {
		f.OnDegradedMedia(remoteID, kind, err)
	}
}

// notifier runs sink calls in order off the loop goroutine.
type notifier struct {
	sink Sink

	mu      sync.Mutex
	pending []func(Sink)
	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func newNotifier(sink Sink) *notifier {
	n := &notifier{
		sink:    sink,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *notifier) emit(fn func(Sink)) {
	if n.sink == nil {
		return
	}
	n.mu.Lock()
	n.pending = append(n.pending, fn)
	n.mu.Unlock()
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// close delivers what is already queued, then stops.
func (n *notifier) close() {
	n.once.Do(func() { close(n.done) })
	<-n.stopped
}

func (n *notifier) run() {
	defer close(n.stopped)
	for {
		n.mu.Lock()
		batch := n.pending
		n.pending = nil
		n.mu.Unlock()
		for _, fn := range batch {
			fn(n.sink)
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-n.wake:
		case <-n.done:
			n.mu.Lock()
			rest := n.pending
			n.pending = nil
			n.mu.Unlock()
			for _, fn := range rest {
				fn(n.sink)
			}
			return
		}
	}
}
