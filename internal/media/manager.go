package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"
)

// State is the Manager's session state.
type State string

const (
	StateIdle       State = "idle"
	StateJoining    State = "joining"
	StateJoined     State = "joined"
	StatePublishing State = "publishing"
	StatePublished  State = "published"
	StateLeaving    State = "leaving"
)

type trackKey struct {
	remoteID string
	kind     Kind
}

// Options configure a Manager.
type Options struct {
	AppID  string
	Logger *slog.Logger
}

// Manager drives one Transport through a single session at a time.
//
// Every Join starts a new epoch and Leave ends it. Results of transport calls
// that complete after their epoch ended are discarded and their resources
// released, so Leave is safe at any point, including mid-Join.
//
// Events whose remote id is our own transport id are dropped here and never
// reach the registered callbacks.
type Manager struct {
	tr    Transport
	appID string
	log   *slog.Logger

	sf singleflight.Group

	mu        sync.Mutex
	state     State
	epoch     uint64
	sessionID string
	selfID    string
	local     LocalTracks
	remote    map[trackKey]RemoteTrack

	onJoined func(remoteID string)
	onLeft   func(remoteID string)
	onTrack  func(remoteID string, kind Kind)
	onGone   func(remoteID string, kind Kind)
	onConn   func(state ConnectionState, reason DisconnectReason)
}

func NewManager(tr Transport, opts Options) *Manager {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		tr:     tr,
		appID:  opts.AppID,
		log:    log,
		state:  StateIdle,
		remote: make(map[trackKey]RemoteTrack),
	}
}

func (m *Manager) OnRemoteParticipantJoined(fn func(remoteID string)) {
	m.mu.Lock()
	m.onJoined = fn
	m.mu.Unlock()
}

func (m *Manager) OnRemoteParticipantLeft(fn func(remoteID string)) {
	m.mu.Lock()
	m.onLeft = fn
	m.mu.Unlock()
}

func (m *Manager) OnRemoteTrackPublished(fn func(remoteID string, kind Kind)) {
	m.mu.Lock()
	m.onTrack = fn
	m.mu.Unlock()
}

// OnRemoteTrackUnpublished is called after the Manager has dropped the track.
func (m *Manager) OnRemoteTrackUnpublished(fn func(remoteID string, kind Kind)) {
	m.mu.Lock()
	m.onGone = fn
	m.mu.Unlock()
}

func (m *Manager) OnConnectionStateChanged(fn func(state ConnectionState, reason DisconnectReason)) {
	m.mu.Lock()
	m.onConn = fn
	m.mu.Unlock()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) SelfTransportID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selfID
}

// LocalTracks returns the captured local tracks, if any.
func (m *Manager) LocalTracks() LocalTracks {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local
}

// RemoteTracks returns a snapshot of the subscribed remote tracks.
func (m *Manager) RemoteTracks() []RemoteTrack {
	m.mu.Lock()
	out := make([]RemoteTrack, 0, len(m.remote))
	for _, t := range m.remote {
		out = append(out, t)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].RemoteID != out[j].RemoteID {
			return out[i].RemoteID < out[j].RemoteID
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// Join connects the transport to sessionID as selfTransportID.
func (m *Manager) Join(ctx context.Context, sessionID, selfTransportID, credential string) error {
	if sessionID == "" || selfTransportID == "" {
		return fmt.Errorf("%w: session and transport ids are required", ErrJoinFailed)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrJoinFailed, err)
	}
	m.mu.Lock()
	if m.state != StateIdle {
		st := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: manager is %s", ErrJoinFailed, st)
	}
	m.epoch++
	epoch := m.epoch
	m.state = StateJoining
	m.sessionID = sessionID
	m.selfID = selfTransportID
	m.mu.Unlock()

	m.tr.SetHandler(func(ev Event) { m.dispatch(epoch, ev) })
	err := m.tr.Join(ctx, JoinParams{
		AppID:            m.appID,
		RoomID:           sessionID,
		Credential:       credential,
		LocalTransportID: selfTransportID,
	})

	m.mu.Lock()
	if m.epoch != epoch {
		// Leave ran while we were joining. Release the late session unless a
		// newer Join already owns the transport.
		idle := m.state == StateIdle
		m.mu.Unlock()
		if err == nil && idle {
			_ = m.tr.Leave(context.WithoutCancel(ctx))
		}
		return ErrSessionClosed
	}
	if err != nil {
		m.state = StateIdle
		m.epoch++
		m.mu.Unlock()
		m.tr.SetHandler(nil)
		m.log.Warn("media join failed", "session_id", sessionID, "err", err)
		return fmt.Errorf("%w: %w", ErrJoinFailed, err)
	}
	m.state = StateJoined
	m.mu.Unlock()
	m.log.Debug("media joined", "session_id", sessionID, "transport_id", selfTransportID, "epoch", epoch)
	return nil
}

// StartLocalCapture creates local tracks bounded by c. It must follow Join and
// precede Publish.
func (m *Manager) StartLocalCapture(ctx context.Context, c Constraints) (LocalTracks, error) {
	m.mu.Lock()
	if m.state != StateJoined {
		m.mu.Unlock()
		return LocalTracks{}, ErrNotJoined
	}
	epoch := m.epoch
	m.mu.Unlock()

	tracks, err := m.tr.CreateLocalTracks(ctx, c)
	if err != nil {
		if errors.Is(err, ErrCaptureDenied) {
			return LocalTracks{}, err
		}
		return LocalTracks{}, fmt.Errorf("%w: capture: %w", ErrPublishFailed, err)
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		tracks.Stop()
		return LocalTracks{}, ErrSessionClosed
	}
	prev := m.local
	m.local = tracks
	m.mu.Unlock()
	prev.Stop()
	return tracks, nil
}

// Publish sends tracks to the session.
func (m *Manager) Publish(ctx context.Context, tracks LocalTracks) error {
	if tracks.Empty() {
		return fmt.Errorf("%w: no tracks", ErrPublishFailed)
	}
	m.mu.Lock()
	if m.state != StateJoined {
		st := m.state
		m.mu.Unlock()
		if st == StateIdle || st == StateJoining || st == StateLeaving {
			return ErrNotJoined
		}
		return fmt.Errorf("%w: manager is %s", ErrPublishFailed, st)
	}
	epoch := m.epoch
	m.state = StatePublishing
	m.mu.Unlock()

	err := m.tr.Publish(ctx, tracks)

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		tracks.Stop()
		return ErrSessionClosed
	}
	if err != nil {
		m.state = StateJoined
		m.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	m.state = StatePublished
	m.local = tracks
	m.mu.Unlock()
	return nil
}

// SetLocalTrackEnabled mutes or unmutes a local track without renegotiating.
func (m *Manager) SetLocalTrackEnabled(kind Kind, enabled bool) error {
	m.mu.Lock()
	t := m.local.Get(kind)
	m.mu.Unlock()
	if t == nil {
		return ErrNotJoined
	}
	t.SetEnabled(enabled)
	return nil
}

// Subscribe attaches remoteID's track of kind. An existing subscription is
// returned as-is, and concurrent calls for the same track share one
// transport call. A failed attempt leaves nothing behind.
func (m *Manager) Subscribe(ctx context.Context, remoteID string, kind Kind) (RemoteTrack, error) {
	if remoteID == "" || !kind.Valid() {
		return RemoteTrack{}, fmt.Errorf("%w: invalid track", ErrSubscribeFailed)
	}
	key := trackKey{remoteID: remoteID, kind: kind}

	m.mu.Lock()
	switch m.state {
	case StateJoined, StatePublishing, StatePublished:
	default:
		m.mu.Unlock()
		return RemoteTrack{}, ErrNotJoined
	}
	if remoteID == m.selfID {
		m.mu.Unlock()
		return RemoteTrack{}, fmt.Errorf("%w: cannot subscribe to self", ErrSubscribeFailed)
	}
	if t, ok := m.remote[key]; ok {
		m.mu.Unlock()
		return t, nil
	}
	epoch := m.epoch
	m.mu.Unlock()

	sfKey := fmt.Sprintf("%d/%s/%s", epoch, remoteID, kind)
	v, err, _ := m.sf.Do(sfKey, func() (any, error) {
		t, err := m.tr.Subscribe(ctx, remoteID, kind)
		if err != nil {
			return RemoteTrack{}, err
		}
		m.mu.Lock()
		if m.epoch != epoch {
			// The session ended while subscribing. The transport keys
			// subscriptions by track only, so once a newer session owns it
			// the same key may be that session's subscription.
			idle := m.state == StateIdle
			m.mu.Unlock()
			if idle {
				_ = m.tr.Unsubscribe(context.WithoutCancel(ctx), remoteID, kind)
			}
			return RemoteTrack{}, ErrSessionClosed
		}
		m.remote[key] = t
		m.mu.Unlock()
		return t, nil
	})
	if err != nil {
		if errors.Is(err, ErrSessionClosed) {
			return RemoteTrack{}, err
		}
		return RemoteTrack{}, fmt.Errorf("%w: %s/%s: %w", ErrSubscribeFailed, remoteID, kind, err)
	}
	return v.(RemoteTrack), nil
}

// Unsubscribe detaches a remote track. Unknown tracks are ignored.
func (m *Manager) Unsubscribe(ctx context.Context, remoteID string, kind Kind) error {
	key := trackKey{remoteID: remoteID, kind: kind}
	m.mu.Lock()
	_, ok := m.remote[key]
	delete(m.remote, key)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.tr.Unsubscribe(ctx, remoteID, kind)
}

// Leave tears the session down: local tracks stop, remote tracks are
// released, listeners detach and the transport session is left. It is a
// no-op when idle and may be called concurrently with any other method.
func (m *Manager) Leave(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateIdle || m.state == StateLeaving {
		m.mu.Unlock()
		return nil
	}
	m.epoch++
	prev := m.state
	m.state = StateLeaving
	local := m.local
	m.local = LocalTracks{}
	remote := m.remote
	m.remote = make(map[trackKey]RemoteTrack)
	sessionID := m.sessionID
	m.mu.Unlock()

	m.tr.SetHandler(nil)
	local.Stop()

	var errs []error
	for k := range remote {
		if err := m.tr.Unsubscribe(ctx, k.remoteID, k.kind); err != nil {
			errs = append(errs, err)
		}
	}
	if prev == StatePublished || prev == StatePublishing {
		if err := m.tr.Unpublish(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.tr.Leave(ctx); err != nil {
		errs = append(errs, err)
	}

	m.mu.Lock()
	m.state = StateIdle
	m.mu.Unlock()

	m.log.Debug("media left", "session_id", sessionID, "from", string(prev))
	return errors.Join(errs...)
}

func (m *Manager) dispatch(epoch uint64, ev Event) {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	if ev.RemoteID != "" && ev.RemoteID == m.selfID {
		m.mu.Unlock()
		return
	}
	switch ev.Type {
	case EventRemoteLeft:
		for k := range m.remote {
			if k.remoteID == ev.RemoteID {
				delete(m.remote, k)
			}
		}
	case EventRemoteUnpublished:
		delete(m.remote, trackKey{remoteID: ev.RemoteID, kind: ev.Kind})
	}
	onJoined, onLeft, onTrack, onGone, onConn := m.onJoined, m.onLeft, m.onTrack, m.onGone, m.onConn
	m.mu.Unlock()

	switch ev.Type {
	case EventRemoteJoined:
		if onJoined != nil {
			onJoined(ev.RemoteID)
		}
	case EventRemoteLeft:
		if onLeft != nil {
			onLeft(ev.RemoteID)
		}
	case EventRemotePublished:
		if onTrack != nil {
			onTrack(ev.RemoteID, ev.Kind)
		}
	case EventRemoteUnpublished:
		if onGone != nil {
			onGone(ev.RemoteID, ev.Kind)
		}
	case EventConnectionStateChanged:
		if onConn != nil {
			onConn(ev.State, ev.Reason)
		}
	}
}
