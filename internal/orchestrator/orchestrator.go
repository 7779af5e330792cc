// Package orchestrator runs one call from a single party's point of view. It
// keeps the signaling record and the media session in step, reconciles
// races between local intents and remote events, and recovers from transient
// transport failures.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"devcall/internal/calls"
	"devcall/internal/media"
	"devcall/internal/signaling"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type State string

const (
	StateIdle             State = "idle"
	StateInitiating       State = "initiating"
	StateAwaitingResponse State = "awaiting_response"
	StateIncoming         State = "incoming"
	StateConnecting       State = "connecting"
	StateInCall           State = "in_call"
	StateReconnecting     State = "reconnecting"
	StateEnded            State = "ended"
	StateFailed           State = "failed"
)

func (s State) IsTerminal() bool { return s == StateEnded || s == StateFailed }

// live reports whether the media session is, or is being, brought up.
func (s State) live() bool {
	return s == StateConnecting || s == StateInCall || s == StateReconnecting
}

var (
	ErrClosed = errors.New("orchestrator: closed")
	ErrBusy   = errors.New("orchestrator: intent not allowed in current state")
	ErrEnded  = errors.New("orchestrator: call already ended")
)

// Config tunes an Orchestrator. Zero values take the defaults noted.
type Config struct {
	// Identity is the local party; DisplayName is sent when placing a call.
	Identity    string
	DisplayName string

	// TransportID identifies this party in the media room. It stays the same
	// across reconnects. Default: a new uuid.
	TransportID string

	// Connect governs the Connecting and Reconnecting sequences.
	// Default: 3 attempts, linear backoff from 1s.
	Connect RetryPolicy
	// Respond governs accept/decline writes. Default: like Connect.
	Respond RetryPolicy
	// Create governs placing the call and End governs ending the record.
	// Both default to Connect's shape; End is further bounded by HangUpTimeout.
	Create RetryPolicy
	End    RetryPolicy

	// SubscribeRetryDelay is the wait before the single retry of a failed
	// remote subscription. Default 2s.
	SubscribeRetryDelay time.Duration
	// HangUpTimeout bounds the concurrent leave and end on hang-up. Default 5s.
	HangUpTimeout time.Duration

	Constraints media.Constraints
	Credentials CredentialFunc
	Logger      *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.TransportID == "" {
		c.TransportID = uuid.NewString()
	}
	if c.Connect.MaxAttempts <= 0 {
		c.Connect = DefaultRetryPolicy("connect", time.Second)
	}
	if c.Connect.Operation == "" {
		c.Connect.Operation = "connect"
	}
	if c.Respond.MaxAttempts <= 0 {
		c.Respond = c.Connect
		c.Respond.Operation = "respond"
	}
	if c.Create.MaxAttempts <= 0 {
		c.Create = c.Connect
		c.Create.Operation = "create"
	}
	if c.End.MaxAttempts <= 0 {
		c.End = c.Connect
		c.End.Operation = "end"
	}
	if c.SubscribeRetryDelay <= 0 {
		c.SubscribeRetryDelay = 2 * time.Second
	}
	if c.HangUpTimeout <= 0 {
		c.HangUpTimeout = 5 * time.Second
	}
	if !c.Constraints.Audio && !c.Constraints.Video {
		c.Constraints = media.DefaultConstraints()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type trackKey struct {
	remoteID string
	kind     media.Kind
}

// Orchestrator owns one call. Fields under the loop marker are touched
// only by the loop goroutine; everything else reaches it by posting work.
//
// Async operations capture the epoch current when they start. When their
// result arrives under a newer epoch it is dropped, and anything it holds is
// released, instead of being reported as an error.
type Orchestrator struct {
	cfg  Config
	sig  Signaling
	med  Media
	log  *slog.Logger
	sink *notifier

	ctx    context.Context
	cancel context.CancelFunc

	work       chan func()
	stop       chan struct{}
	loopDone   chan struct{}
	terminated chan struct{}
	closeOnce  sync.Once

	muteMu   sync.Mutex
	disabled map[media.Kind]bool

	// ops tracks goroutines that touch the media session.
	ops sync.WaitGroup

	// loop
	state       State
	claimed     bool
	epoch       uint64
	role        calls.Role
	record      calls.Record
	unsubscribe func()
	sessCtx     context.Context
	sessCancel  context.CancelFunc
	ending      bool
	responding  bool
	reason      string
	published   map[trackKey]bool
	subscribed  map[trackKey]bool
	inflight    map[trackKey]bool
}

func New(sig Signaling, med Media, cfg Config, sink Sink) *Orchestrator {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:        cfg,
		sig:        sig,
		med:        med,
		log:        cfg.Logger.With("identity", cfg.Identity, "transport_id", cfg.TransportID),
		sink:       newNotifier(sink),
		ctx:        ctx,
		cancel:     cancel,
		work:       make(chan func()),
		stop:       make(chan struct{}),
		loopDone:   make(chan struct{}),
		terminated: make(chan struct{}),
		disabled:   make(map[media.Kind]bool),
		state:      StateIdle,
		published:  make(map[trackKey]bool),
		subscribed: make(map[trackKey]bool),
		inflight:   make(map[trackKey]bool),
	}

	med.OnRemoteParticipantJoined(func(id string) { o.post(func() { o.onRemoteJoined(id) }) })
	med.OnRemoteParticipantLeft(func(id string) { o.post(func() { o.onRemoteLeft(id) }) })
	med.OnRemoteTrackPublished(func(id string, k media.Kind) { o.post(func() { o.onRemotePublished(id, k) }) })
	med.OnRemoteTrackUnpublished(func(id string, k media.Kind) { o.post(func() { o.onRemoteUnpublished(id, k) }) })
	med.OnConnectionStateChanged(func(s media.ConnectionState, r media.DisconnectReason) {
		o.post(func() { o.onConnectionState(s, r) })
	})

	go o.run()
	return o
}

func (o *Orchestrator) run() {
	defer close(o.loopDone)
	for {
		select {
		case fn := <-o.work:
			fn()
		case <-o.stop:
			return
		}
	}
}

func (o *Orchestrator) post(fn func()) bool {
	select {
	case o.work <- fn:
		return true
	case <-o.stop:
		return false
	}
}

// call runs fn on the loop and waits for it.
func (o *Orchestrator) call(fn func()) bool {
	done := make(chan struct{})
	if !o.post(func() { fn(); close(done) }) {
		return false
	}
	<-done
	return true
}

func (o *Orchestrator) TransportID() string { return o.cfg.TransportID }

// State returns the current state.
func (o *Orchestrator) State() State {
	st := StateEnded
	o.call(func() { st = o.state })
	return st
}

// Record returns the latest revision of the call record seen.
func (o *Orchestrator) Record() calls.Record {
	var rec calls.Record
	o.call(func() { rec = o.record.Clone() })
	return rec
}

// Reason returns why the call ended or failed.
func (o *Orchestrator) Reason() string {
	var r string
	o.call(func() { r = o.reason })
	return r
}

// Done is closed once the call is terminal and its resources are released.
func (o *Orchestrator) Done() <-chan struct{} { return o.terminated }

// Wait blocks until Done or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context) error {
	select {
	case <-o.terminated:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) setState(to State, reason string) {
	from := o.state
	if from == to {
		return
	}
	o.state = to
	o.log.Info("call state changed", "call_id", o.record.ID, "from", string(from), "to", string(to), "reason", reason, "epoch", o.epoch)
	o.sink.emit(func(s Sink) { s.StateChanged(from, to, reason) })
}

// Start places a call to responderID and waits for the record to exist.
func (o *Orchestrator) Start(ctx context.Context, responderID string) (calls.Record, error) {
	var (
		epoch uint64
		err   error
	)
	if !o.call(func() {
		if o.claimed {
			err = fmt.Errorf("%w: %s", ErrBusy, o.state)
			return
		}
		o.claimed = true
		o.role = calls.RoleRequester
		epoch = o.epoch
		o.setState(StateInitiating, "")
	}) {
		return calls.Record{}, ErrClosed
	}
	if err != nil {
		return calls.Record{}, err
	}

	// The id is chosen here so a retry after a lost reply finds the record
	// the first attempt wrote instead of placing a second call.
	callID := uuid.NewString()
	var rec calls.Record
	err = o.cfg.Create.Run(ctx, func(ctx context.Context, attempt int) error {
		var err error
		rec, err = o.sig.CreateCall(ctx, callID, o.cfg.Identity, responderID, o.cfg.DisplayName)
		if err != nil && IsTransient(err) {
			o.log.Warn("placing call failed", "call_id", callID, "attempt", attempt, "err", err)
		}
		return err
	}, nil)

	var out error
	stale := false
	o.call(func() {
		if epoch != o.epoch || o.ending || o.state.IsTerminal() {
			stale = true
			out = ErrEnded
			return
		}
		if err != nil {
			out = err
			o.finish(StateFailed, "could not place call: "+err.Error(), false)
			return
		}
		o.record = rec
		o.setState(StateAwaitingResponse, "")
	})
	if stale || (err != nil && mayHaveCommitted(err)) {
		// Hung up while the call was being placed, or the outcome is unknown.
		// Any record under callID is ours to end.
		o.endDetached(callID)
	}
	if out != nil {
		return calls.Record{}, out
	}

	if err := o.watch(rec.ID); err != nil {
		return rec, err
	}
	return rec, nil
}

// Attach binds a responder-side orchestrator to a pending call.
func (o *Orchestrator) Attach(ctx context.Context, recordID string) error {
	var err error
	if !o.call(func() {
		if o.claimed {
			err = fmt.Errorf("%w: %s", ErrBusy, o.state)
			return
		}
		o.claimed = true
	}) {
		return ErrClosed
	}
	if err != nil {
		return err
	}
	release := func() { o.call(func() { o.claimed = false }) }

	rec, err := o.sig.Get(ctx, recordID, o.cfg.Identity)
	if err != nil {
		release()
		return err
	}
	if rec.ResponderID != o.cfg.Identity {
		release()
		return calls.ErrUnauthorized
	}
	if rec.Status != calls.StatusPending {
		release()
		return fmt.Errorf("%w: call is %s", calls.ErrInvalidTransition, rec.Status)
	}

	o.call(func() {
		o.role = calls.RoleResponder
		o.record = rec
		o.setState(StateIncoming, "")
	})
	return o.watch(rec.ID)
}

// watch subscribes to the record. Revisions that land before the
// unsubscribe func is stored are still applied, since the record id is
// already set.
func (o *Orchestrator) watch(recordID string) error {
	unsub, err := o.sig.Subscribe(o.ctx, recordID, o.cfg.Identity, func(rec calls.Record) {
		o.post(func() { o.applyRevision(rec) })
	}, func(err error) {
		o.post(func() { o.watchLost(err) })
	})
	var out error
	ok := o.call(func() {
		if o.ending || o.state.IsTerminal() {
			if unsub != nil {
				go unsub()
			}
			return
		}
		if err != nil {
			out = err
			o.finish(StateFailed, "could not watch call: "+err.Error(), true)
			return
		}
		o.unsubscribe = unsub
	})
	if !ok && unsub != nil {
		unsub()
	}
	return out
}

// watchLost handles a record subscription that stopped delivering. Without
// revisions the call cannot follow the other party, so it settles on what the
// store says now.
func (o *Orchestrator) watchLost(err error) {
	if o.ending || o.state.IsTerminal() {
		return
	}
	o.unsubscribe = nil
	o.log.Warn("call updates lost", "call_id", o.record.ID, "state", string(o.state), "err", err)
	o.reconcile(fmt.Errorf("lost contact with signaling: %w", err))
}

func (o *Orchestrator) applyRevision(rec calls.Record) {
	if o.ending || o.state.IsTerminal() || rec.ID != o.record.ID {
		return
	}
	if rec.Version < o.record.Version {
		return
	}
	o.record = rec

	switch rec.Status {
	case calls.StatusEnded:
		o.finish(StateEnded, o.endedReason(rec), false)
	case calls.StatusRejected:
		o.finish(StateEnded, o.endedReason(rec), false)
	case calls.StatusAccepted, calls.StatusActive:
		if o.state == StateAwaitingResponse {
			o.beginConnect()
		}
	}
}

func (o *Orchestrator) endedReason(rec calls.Record) string {
	if rec.Status == calls.StatusRejected {
		return "call declined"
	}
	if rec.EndedBy == o.cfg.Identity {
		return "call ended"
	}
	if o.state == StateIncoming || o.state == StateAwaitingResponse {
		return "call cancelled"
	}
	return "call ended by remote party"
}

// Accept answers an incoming call and brings media up.
func (o *Orchestrator) Accept(ctx context.Context) error {
	return o.respond(ctx, signaling.DecisionAccept)
}

// Decline refuses an incoming call. Media is never joined.
func (o *Orchestrator) Decline(ctx context.Context) error {
	return o.respond(ctx, signaling.DecisionReject)
}

func (o *Orchestrator) respond(ctx context.Context, d signaling.Decision) error {
	var (
		recordID string
		epoch    uint64
		err      error
	)
	if !o.call(func() {
		if o.state != StateIncoming || o.ending || o.responding {
			err = fmt.Errorf("%w: %s", ErrBusy, o.state)
			return
		}
		o.responding = true
		recordID = o.record.ID
		epoch = o.epoch
	}) {
		return ErrClosed
	}
	if err != nil {
		return err
	}

	want := calls.StatusAccepted
	if d == signaling.DecisionReject {
		want = calls.StatusRejected
	}
	var rec calls.Record
	err = o.cfg.Respond.Run(ctx, func(ctx context.Context, attempt int) error {
		r, err := o.sig.Respond(ctx, recordID, o.cfg.Identity, d)
		if errors.Is(err, calls.ErrInvalidTransition) {
			// An earlier attempt may have landed. Re-read and reconcile.
			cur, gerr := o.sig.Get(ctx, recordID, o.cfg.Identity)
			if gerr != nil {
				return gerr
			}
			rec = cur
			if cur.Status == want || (want == calls.StatusAccepted && cur.Status == calls.StatusActive) {
				return nil
			}
			return err
		}
		if err == nil {
			rec = r
		}
		return err
	}, nil)

	var out error
	o.call(func() {
		o.responding = false
		if epoch != o.epoch || o.ending || o.state.IsTerminal() {
			out = ErrEnded
			return
		}
		if rec.ID == recordID && rec.Version >= o.record.Version {
			o.record = rec
		}
		if err != nil {
			out = err
			if o.record.Status.IsTerminal() {
				o.finish(StateEnded, o.endedReason(o.record), false)
				return
			}
			o.finish(StateFailed, "could not "+string(d)+" call: "+err.Error(), true)
			return
		}
		if d == signaling.DecisionReject {
			o.finish(StateEnded, "call declined", false)
			return
		}
		o.beginConnect()
	})
	return out
}

func (o *Orchestrator) beginConnect() {
	o.runConnect(StateConnecting, "", false)
}

func (o *Orchestrator) beginReconnect() {
	o.subscribed = make(map[trackKey]bool)
	o.inflight = make(map[trackKey]bool)
	o.runConnect(StateReconnecting, "connection lost", true)
}

// runConnect starts the join, capture, publish, mark-active sequence under
// the connect retry policy. Every attempt after the first, and every
// reconnect attempt, leaves the stale session before joining again.
func (o *Orchestrator) runConnect(state State, reason string, leaveFirst bool) {
	o.cancelSession()
	o.epoch++
	epoch := o.epoch
	ctx, cancel := context.WithCancel(o.ctx)
	o.sessCtx, o.sessCancel = ctx, cancel
	recordID := o.record.ID
	o.setState(state, reason)

	o.ops.Add(1)
	go func() {
		defer o.ops.Done()
		err := o.cfg.Connect.Run(ctx, func(ctx context.Context, attempt int) error {
			if attempt > 1 {
				o.log.Warn("retrying media connect", "call_id", recordID, "attempt", attempt, "epoch", epoch)
			}
			return o.connectOnce(ctx, recordID, leaveFirst || attempt > 1)
		}, nil)
		o.post(func() { o.connectDone(epoch, err) })
	}()
}

func (o *Orchestrator) connectOnce(ctx context.Context, recordID string, leaveFirst bool) error {
	if leaveFirst {
		if err := o.med.Leave(ctx); err != nil {
			o.log.Warn("leaving stale media session failed", "call_id", recordID, "err", err)
		}
	}
	var cred string
	if o.cfg.Credentials != nil {
		c, err := o.cfg.Credentials(ctx, recordID, o.cfg.TransportID)
		if err != nil {
			if errors.Is(err, calls.ErrUnauthorized) || errors.Is(err, signaling.ErrRecordNotFound) {
				return err
			}
			return fmt.Errorf("%w: credential: %w", media.ErrJoinFailed, err)
		}
		cred = c
	}
	if err := o.med.Join(ctx, recordID, o.cfg.TransportID, cred); err != nil {
		return err
	}
	tracks, err := o.med.StartLocalCapture(ctx, o.cfg.Constraints)
	if err != nil {
		return err
	}
	o.applyMute(tracks)
	if err := o.med.Publish(ctx, tracks); err != nil {
		return err
	}
	_, err = o.sig.MarkActive(ctx, recordID, o.cfg.Identity, o.cfg.TransportID)
	return err
}

func (o *Orchestrator) connectDone(epoch uint64, err error) {
	if epoch != o.epoch || o.ending || o.state.IsTerminal() {
		return
	}
	if err == nil {
		reason := ""
		if o.state == StateReconnecting {
			reason = "reconnected"
		}
		o.setState(StateInCall, reason)
		for k := range o.published {
			o.subscribeTrack(k, false)
		}
		return
	}

	switch {
	case errors.Is(err, calls.ErrInvalidTransition):
		o.reconcile(err)
	case errors.Is(err, media.ErrCaptureDenied):
		o.finish(StateFailed, "camera or microphone permission denied", true)
	case errors.Is(err, ErrRetriesExhausted):
		o.finish(StateFailed, "could not connect media: "+err.Error(), true)
	default:
		o.finish(StateFailed, err.Error(), true)
	}
}

// reconcile re-reads the record after a rejected write and settles on what
// the store says.
func (o *Orchestrator) reconcile(cause error) {
	recordID := o.record.ID
	epoch := o.epoch
	go func() {
		ctx, cancel := context.WithTimeout(o.ctx, o.cfg.HangUpTimeout)
		defer cancel()
		rec, err := o.sig.Get(ctx, recordID, o.cfg.Identity)
		o.post(func() {
			if epoch != o.epoch || o.ending || o.state.IsTerminal() {
				return
			}
			if err == nil && rec.Version >= o.record.Version {
				o.record = rec
			}
			if err == nil && rec.Status.IsTerminal() {
				o.finish(StateEnded, o.endedReason(rec), false)
				return
			}
			o.finish(StateFailed, cause.Error(), true)
		})
	}()
}

func (o *Orchestrator) onRemoteJoined(id string) {
	if !o.state.live() {
		return
	}
	o.sink.emit(func(s Sink) { s.RemoteParticipantJoined(id) })
}

func (o *Orchestrator) onRemoteLeft(id string) {
	for k := range o.published {
		if k.remoteID == id {
			delete(o.published, k)
			delete(o.subscribed, k)
		}
	}
	if !o.state.live() {
		return
	}
	o.sink.emit(func(s Sink) { s.RemoteParticipantLeft(id) })
}

func (o *Orchestrator) onRemotePublished(id string, kind media.Kind) {
	if o.state.IsTerminal() {
		return
	}
	k := trackKey{remoteID: id, kind: kind}
	o.published[k] = true
	if o.state == StateInCall {
		o.subscribeTrack(k, false)
	}
}

func (o *Orchestrator) onRemoteUnpublished(id string, kind media.Kind) {
	k := trackKey{remoteID: id, kind: kind}
	delete(o.published, k)
	delete(o.subscribed, k)
}

func (o *Orchestrator) onConnectionState(state media.ConnectionState, reason media.DisconnectReason) {
	if state != media.ConnectionDisconnected || reason != media.ReasonNetwork {
		return
	}
	if o.state != StateInCall || o.ending {
		return
	}
	o.log.Warn("media connection lost", "call_id", o.record.ID)
	o.beginReconnect()
}

// subscribeTrack subscribes to a remote track. A failure is retried once
// after SubscribeRetryDelay; a second failure degrades the call instead of
// ending it.
func (o *Orchestrator) subscribeTrack(k trackKey, retry bool) {
	if o.subscribed[k] || o.inflight[k] {
		return
	}
	o.inflight[k] = true
	epoch := o.epoch
	ctx := o.sessCtx
	if ctx == nil {
		ctx = o.ctx
	}
	delay := o.cfg.SubscribeRetryDelay
	o.ops.Add(1)
	go func() {
		defer o.ops.Done()
		if retry {
			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return
			}
		}
		_, err := o.med.Subscribe(ctx, k.remoteID, k.kind)
		o.post(func() { o.subscribeDone(epoch, k, retry, err) })
	}()
}

func (o *Orchestrator) subscribeDone(epoch uint64, k trackKey, retried bool, err error) {
	if epoch != o.epoch || o.state.IsTerminal() {
		return
	}
	delete(o.inflight, k)
	if err == nil {
		o.subscribed[k] = true
		o.sink.emit(func(s Sink) { s.RemoteTrackAttached(k.remoteID, k.kind) })
		return
	}
	if errors.Is(err, media.ErrSessionClosed) || !o.published[k] {
		return
	}
	if !retried {
		o.log.Warn("remote subscribe failed, retrying once", "call_id", o.record.ID, "remote_id", k.remoteID, "kind", string(k.kind), "err", err)
		o.subscribeTrack(k, true)
		return
	}
	o.log.Warn("remote media degraded", "call_id", o.record.ID, "remote_id", k.remoteID, "kind", string(k.kind), "err", err)
	o.sink.emit(func(s Sink) { s.DegradedMedia(k.remoteID, k.kind, err) })
}

// SetLocalTrackEnabled mutes or unmutes local media. The choice survives
// reconnects.
func (o *Orchestrator) SetLocalTrackEnabled(kind media.Kind, enabled bool) error {
	if !kind.Valid() {
		return fmt.Errorf("orchestrator: unknown media kind %q", kind)
	}
	o.muteMu.Lock()
	o.disabled[kind] = !enabled
	o.muteMu.Unlock()
	err := o.med.SetLocalTrackEnabled(kind, enabled)
	if errors.Is(err, media.ErrNotJoined) {
		// Applied on the next capture.
		return nil
	}
	return err
}

func (o *Orchestrator) applyMute(tracks media.LocalTracks) {
	o.muteMu.Lock()
	defer o.muteMu.Unlock()
	for kind, off := range o.disabled {
		if t := tracks.Get(kind); t != nil {
			t.SetEnabled(!off)
		}
	}
}

// HangUp leaves the media session and ends the record concurrently, then
// reports Ended. It is a no-op on a finished call.
func (o *Orchestrator) HangUp(ctx context.Context) error {
	var (
		recordID string
		skip     bool
	)
	if !o.call(func() {
		if o.ending || o.state.IsTerminal() {
			skip = true
			return
		}
		if o.state == StateIdle {
			skip = true
			o.claimed = true
			o.finish(StateEnded, "hung up", false)
			return
		}
		o.ending = true
		o.epoch++
		o.cancelSession()
		recordID = o.record.ID
	}) {
		return nil
	}
	if skip {
		return nil
	}

	hctx, cancel := context.WithTimeout(ctx, o.cfg.HangUpTimeout)
	defer cancel()
	var g errgroup.Group
	g.Go(func() error { return o.med.Leave(hctx) })
	if recordID != "" {
		g.Go(func() error { return o.endRecord(hctx, recordID) })
	}
	err := g.Wait()
	if err != nil {
		o.log.Warn("hang up incomplete", "call_id", recordID, "err", err)
	}

	o.call(func() {
		o.ending = false
		o.finish(StateEnded, "hung up", false)
	})
	return err
}

// finish moves to a terminal state once and releases everything: the
// signaling subscription, the media session and, when asked, the record.
func (o *Orchestrator) finish(to State, reason string, writeEnd bool) {
	if o.state.IsTerminal() {
		return
	}
	o.epoch++
	o.cancelSession()
	unsub := o.unsubscribe
	o.unsubscribe = nil
	recordID := o.record.ID
	o.reason = reason
	o.inflight = make(map[trackKey]bool)
	o.subscribed = make(map[trackKey]bool)
	o.published = make(map[trackKey]bool)
	o.setState(to, reason)

	go func() {
		defer close(o.terminated)
		if unsub != nil {
			unsub()
		}
		// In-flight media work was cancelled above; let it unwind so nothing
		// joins after the final Leave.
		o.ops.Wait()
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.HangUpTimeout)
		defer cancel()
		if err := o.med.Leave(ctx); err != nil {
			o.log.Warn("media cleanup failed", "call_id", recordID, "err", err)
		}
		if writeEnd && recordID != "" {
			if err := o.endRecord(ctx, recordID); err != nil {
				o.log.Warn("ending record during cleanup failed", "call_id", recordID, "err", err)
			}
		}
	}()
}

func (o *Orchestrator) cancelSession() {
	if o.sessCancel != nil {
		o.sessCancel()
	}
	o.sessCtx, o.sessCancel = nil, nil
}

// endRecord ends recordID under the End policy. ctx bounds every attempt
// and the waits between them.
func (o *Orchestrator) endRecord(ctx context.Context, recordID string) error {
	return o.cfg.End.Run(ctx, func(ctx context.Context, attempt int) error {
		_, err := o.sig.End(ctx, recordID, o.cfg.Identity)
		if err != nil && IsTransient(err) {
			o.log.Warn("ending record failed", "call_id", recordID, "attempt", attempt, "err", err)
		}
		return err
	}, nil)
}

// endDetached ends a record nobody is watching. A record that was never
// written is not an error.
func (o *Orchestrator) endDetached(recordID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.HangUpTimeout)
		defer cancel()
		if err := o.endRecord(ctx, recordID); err != nil && !errors.Is(err, signaling.ErrRecordNotFound) {
			o.log.Warn("ending abandoned record failed", "call_id", recordID, "err", err)
		}
	}()
}

// mayHaveCommitted reports whether a failed write might still have landed.
func mayHaveCommitted(err error) bool {
	return errors.Is(err, ErrRetriesExhausted) ||
		IsTransient(err) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// Close is the teardown path for unmount or shutdown. It runs the same
// cleanup as HangUp, waits for it, then stops the orchestrator. Safe to call
// more than once.
func (o *Orchestrator) Close() error {
	var err error
	o.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.HangUpTimeout)
		defer cancel()
		err = o.HangUp(ctx)
		select {
		case <-o.terminated:
		case <-ctx.Done():
		}
		close(o.stop)
		<-o.loopDone
		o.cancel()
		o.sink.close()
	})
	return err
}
