package sigclient_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"devcall/internal/auth"
	"devcall/internal/calls"
	"devcall/internal/config"
	"devcall/internal/httpapi"
	"devcall/internal/media"
	"devcall/internal/media/loopback"
	"devcall/internal/orchestrator"
	"devcall/internal/presence"
	"devcall/internal/sigclient"
	"devcall/internal/signaling"

	"github.com/gin-gonic/gin"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type testServer struct {
	url  string
	addr string
	ctrl *signaling.Controller
	auth *auth.Manager
}

func startServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	am, err := auth.NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Hour, RefreshTokenTTL: 24 * time.Hour})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	dir := presence.NewMemoryDirectory(presence.Presence{Identity: "bob", IsOnline: true, HourlyRate: 60})
	ctrl := signaling.NewController(signaling.NewMemoryStore(), signaling.Deps{
		Directory: dir,
		Guard:     signaling.NewMemoryCallGuard(1),
		Logger:    quiet,
	})
	r := gin.New()
	httpapi.Handlers{
		Auth:     am,
		Rooms:    auth.NewRoomTokens(config.TransportConfig{AppID: "app-1", AppCertificate: "cert"}),
		Calls:    ctrl,
		Presence: dir,
	}.Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{url: srv.URL, addr: srv.Listener.Addr().String(), ctrl: ctrl, auth: am}
}

func (s *testServer) client(t *testing.T, base, user, role string, opts sigclient.Options) *sigclient.Client {
	t.Helper()
	p, err := s.auth.IssuePair(time.Now(), user, role)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	c, err := sigclient.New(base, p.AccessToken, opts)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	return c
}

func newServer(t *testing.T) (alice, bob *sigclient.Client) {
	t.Helper()
	s := startServer(t)
	opts := sigclient.Options{Logger: quiet}
	return s.client(t, s.url, "alice", "client", opts), s.client(t, s.url, "bob", "developer", opts)
}

// cutProxy forwards TCP to target and can sever every open connection,
// which a hijacked websocket behind httptest cannot do on its own.
type cutProxy struct {
	ln     net.Listener
	target string

	mu    sync.Mutex
	conns []net.Conn
	dials int
}

func newCutProxy(t *testing.T, target string) *cutProxy {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	p := &cutProxy{ln: ln, target: target}
	go p.serve()
	t.Cleanup(func() {
		_ = ln.Close()
		p.cut()
	})
	return p
}

func (p *cutProxy) url() string { return "http://" + p.ln.Addr().String() }

func (p *cutProxy) serve() {
	for {
		down, err := p.ln.Accept()
		if err != nil {
			return
		}
		up, err := net.Dial("tcp", p.target)
		if err != nil {
			_ = down.Close()
			continue
		}
		p.mu.Lock()
		p.conns = append(p.conns, down, up)
		p.dials++
		p.mu.Unlock()
		go func() {
			_, _ = io.Copy(up, down)
			_ = up.Close()
		}()
		go func() {
			_, _ = io.Copy(down, up)
			_ = down.Close()
		}()
	}
}

func (p *cutProxy) cut() {
	p.mu.Lock()
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (p *cutProxy) dialCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dials
}

func TestNewValidatesInput(t *testing.T) {
	if _, err := sigclient.New("ftp://x", "tok", sigclient.Options{}); err == nil {
		t.Fatalf("expected scheme error")
	}
	if _, err := sigclient.New("http://x", "", sigclient.Options{}); err == nil {
		t.Fatalf("expected token error")
	}
}

func TestClientMapsServerErrors(t *testing.T) {
	alice, bob := newServer(t)
	ctx := context.Background()

	if _, err := alice.CreateCall(ctx, "", "alice", "nobody", ""); !errors.Is(err, signaling.ErrResponderNotFound) {
		t.Fatalf("expected ErrResponderNotFound, got %v", err)
	}
	if _, err := alice.Get(ctx, "missing", "alice"); !errors.Is(err, signaling.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
	rec, err := alice.CreateCall(ctx, "", "alice", "bob", "Alice")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := alice.CreateCall(ctx, "", "alice", "bob", "Alice"); !errors.Is(err, signaling.ErrCallInFlight) {
		t.Fatalf("expected ErrCallInFlight, got %v", err)
	}
	if _, err := alice.Respond(ctx, rec.ID, "alice", signaling.DecisionAccept); !errors.Is(err, calls.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := bob.Respond(ctx, rec.ID, "bob", signaling.DecisionReject); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := bob.Respond(ctx, rec.ID, "bob", signaling.DecisionAccept); !errors.Is(err, calls.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestSubscribeOverWebsocket(t *testing.T) {
	alice, bob := newServer(t)
	ctx := context.Background()
	rec, err := alice.CreateCall(ctx, "", "alice", "bob", "Alice")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got := make(chan calls.Record, 8)
	unsub, err := bob.Subscribe(ctx, rec.ID, "bob", func(r calls.Record) { got <- r }, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	next := func() calls.Record {
		t.Helper()
		select {
		case r := <-got:
			return r
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for revision")
			return calls.Record{}
		}
	}
	if r := next(); r.Status != calls.StatusPending {
		t.Fatalf("expected pending first, got %s", r.Status)
	}
	if _, err := bob.Respond(ctx, rec.ID, "bob", signaling.DecisionAccept); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if r := next(); r.Status != calls.StatusAccepted {
		t.Fatalf("expected accepted, got %s", r.Status)
	}
	if _, err := alice.End(ctx, rec.ID, "alice"); err != nil {
		t.Fatalf("end: %v", err)
	}
	if r := next(); r.Status != calls.StatusEnded {
		t.Fatalf("expected ended, got %s", r.Status)
	}
	unsub()
	unsub()

	incoming, err := bob.ListIncoming(ctx)
	if err != nil || len(incoming) != 0 {
		t.Fatalf("expected no incoming calls, got %v %v", incoming, err)
	}
}

func TestSubscribeUnknownRecord(t *testing.T) {
	_, bob := newServer(t)
	_, err := bob.Subscribe(context.Background(), "missing", "bob", func(calls.Record) {}, nil)
	if !errors.Is(err, signaling.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestSubscribeRedialsAfterConnectionCut(t *testing.T) {
	s := startServer(t)
	proxy := newCutProxy(t, s.addr)
	bob := s.client(t, proxy.url(), "bob", "developer", sigclient.Options{Logger: quiet, WatchRedials: 5, WatchBackoff: 20 * time.Millisecond})
	ctx := context.Background()

	rec, err := s.ctrl.CreateCall(ctx, "", "alice", "bob", "Alice")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got := make(chan calls.Record, 8)
	lost := make(chan error, 1)
	unsub, err := bob.Subscribe(ctx, rec.ID, "bob", func(r calls.Record) { got <- r }, func(err error) { lost <- err })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	next := func() calls.Record {
		t.Helper()
		select {
		case r := <-got:
			return r
		case err := <-lost:
			t.Fatalf("stream reported lost: %v", err)
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for revision")
		}
		return calls.Record{}
	}
	if r := next(); r.Status != calls.StatusPending {
		t.Fatalf("expected pending first, got %s", r.Status)
	}

	// The answer lands while the stream is down.
	proxy.cut()
	if _, err := s.ctrl.Respond(ctx, rec.ID, "bob", signaling.DecisionAccept); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if r := next(); r.Status != calls.StatusAccepted || r.Version != 2 {
		t.Fatalf("expected accepted v2 after redial, got %s v%d", r.Status, r.Version)
	}

	// A second cut after the revision was seen must not deliver it twice.
	proxy.cut()
	if _, err := s.ctrl.End(ctx, rec.ID, "alice"); err != nil {
		t.Fatalf("end: %v", err)
	}
	if r := next(); r.Status != calls.StatusEnded || r.Version != 3 {
		t.Fatalf("expected ended v3, got %s v%d", r.Status, r.Version)
	}
	select {
	case r := <-got:
		t.Fatalf("unexpected extra revision %s v%d", r.Status, r.Version)
	case err := <-lost:
		t.Fatalf("unexpected loss report: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	if n := proxy.dialCount(); n < 3 {
		t.Fatalf("expected the stream to be redialed twice, saw %d dials", n)
	}
}

func TestSubscribeReportsLossWhenRedialsRunOut(t *testing.T) {
	s := startServer(t)
	proxy := newCutProxy(t, s.addr)
	bob := s.client(t, proxy.url(), "bob", "developer", sigclient.Options{Logger: quiet, WatchRedials: 3, WatchBackoff: 10 * time.Millisecond})
	ctx := context.Background()

	rec, err := s.ctrl.CreateCall(ctx, "", "alice", "bob", "Alice")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got := make(chan calls.Record, 8)
	lost := make(chan error, 1)
	unsub, err := bob.Subscribe(ctx, rec.ID, "bob", func(r calls.Record) { got <- r }, func(err error) { lost <- err })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()
	select {
	case <-got:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for first revision")
	}

	_ = proxy.ln.Close()
	proxy.cut()
	select {
	case err := <-lost:
		if !errors.Is(err, signaling.ErrStoreUnavailable) {
			t.Fatalf("expected ErrStoreUnavailable, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("expected the lost stream to be reported")
	}
	if n := proxy.dialCount(); n != 1 {
		t.Fatalf("expected no successful redial, saw %d dials", n)
	}
}

func TestOrchestratorFailsWhenCallUpdatesAreLost(t *testing.T) {
	s := startServer(t)
	proxy := newCutProxy(t, s.addr)
	aliceSig := s.client(t, proxy.url(), "alice", "client", sigclient.Options{Logger: quiet, WatchRedials: 2, WatchBackoff: 10 * time.Millisecond})
	hub := loopback.NewHub()
	client := hub.NewClient()
	mgr := media.NewManager(client, media.Options{AppID: "app-1", Logger: quiet})
	alice := orchestrator.New(aliceSig, mgr, orchestrator.Config{
		Identity:      "alice",
		TransportID:   "t-alice",
		Connect:       orchestrator.RetryPolicy{Operation: "connect", MaxAttempts: 2, Backoff: orchestrator.LinearBackoff(5 * time.Millisecond)},
		HangUpTimeout: time.Second,
		Logger:        quiet,
	}, nil)
	t.Cleanup(func() {
		_ = alice.Close()
		client.Close()
	})

	if _, err := alice.Start(context.Background(), "bob"); err != nil {
		t.Fatalf("start: %v", err)
	}
	_ = proxy.ln.Close()
	proxy.cut()

	waitState(t, alice, orchestrator.StateFailed)
	if !strings.Contains(alice.Reason(), "lost contact with signaling") {
		t.Fatalf("unexpected reason %q", alice.Reason())
	}
}

func waitState(t *testing.T, o *orchestrator.Orchestrator, want orchestrator.State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if o.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s, state is %s", want, o.State())
}

func TestOrchestratorsOverHTTP(t *testing.T) {
	aliceSig, bobSig := newServer(t)
	hub := loopback.NewHub()

	party := func(identity string, sig *sigclient.Client) *orchestrator.Orchestrator {
		client := hub.NewClient()
		mgr := media.NewManager(client, media.Options{AppID: "app-1", Logger: quiet})
		o := orchestrator.New(sig, mgr, orchestrator.Config{
			Identity:            identity,
			DisplayName:         identity,
			TransportID:         "t-" + identity,
			Connect:             orchestrator.RetryPolicy{Operation: "connect", MaxAttempts: 3, Backoff: orchestrator.LinearBackoff(5 * time.Millisecond)},
			SubscribeRetryDelay: 10 * time.Millisecond,
			HangUpTimeout:       2 * time.Second,
			Credentials:         sig.RoomCredential,
			Logger:              quiet,
		}, nil)
		t.Cleanup(func() {
			_ = o.Close()
			client.Close()
		})
		return o
	}
	alice := party("alice", aliceSig)
	bob := party("bob", bobSig)
	ctx := context.Background()

	rec, err := alice.Start(ctx, "bob")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := bob.Attach(ctx, rec.ID); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := bob.Accept(ctx); err != nil {
		t.Fatalf("accept: %v", err)
	}
	waitState(t, alice, orchestrator.StateInCall)
	waitState(t, bob, orchestrator.StateInCall)

	if err := bob.HangUp(ctx); err != nil {
		t.Fatalf("hang up: %v", err)
	}
	waitState(t, alice, orchestrator.StateEnded)
	if alice.Reason() != "call ended by remote party" {
		t.Fatalf("unexpected reason %q", alice.Reason())
	}
	got, err := aliceSig.Get(ctx, rec.ID, "alice")
	if err != nil || got.Status != calls.StatusEnded || got.EndedBy != "bob" {
		t.Fatalf("expected ended by bob, got %+v %v", got, err)
	}
}

func TestLoginAndPresence(t *testing.T) {
	_, bob := newServer(t)
	ctx := context.Background()

	if _, err := sigclient.Login(ctx, bob.BaseURL(), "erin", "super_admin", nil); !errors.Is(err, signaling.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for super_admin login, got %v", err)
	}
	tokens, err := sigclient.Login(ctx, bob.BaseURL(), "erin", "developer", nil)
	if err != nil || tokens.AccessToken == "" {
		t.Fatalf("login: %+v %v", tokens, err)
	}
	erin, err := sigclient.New(bob.BaseURL(), tokens.AccessToken, sigclient.Options{Logger: quiet})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if _, err := erin.SetPresence(ctx, true, 30); err != nil {
		t.Fatalf("set presence: %v", err)
	}
	list, err := bob.ListPresence(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Identity != "erin" {
		t.Fatalf("expected erin first of two, got %+v", list)
	}
	capped, err := bob.ListPresence(ctx, 45)
	if err != nil || len(capped) != 1 {
		t.Fatalf("expected one responder under 45, got %+v %v", capped, err)
	}
}
