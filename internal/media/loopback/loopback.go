// Package loopback is an in-process media.Transport. Clients created from one
// Hub meet in rooms keyed by room id and exchange participant and track
// events the way a hosted provider would, including echoes of the client's
// own join and publish. Faults can be injected per client.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"devcall/internal/media"
)

var (
	ErrNotConnected = errors.New("loopback: not connected")
	ErrNotPublished = errors.New("loopback: remote track not published")
)

// Hub is a set of rooms shared by its clients.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]map[string]*Client
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[string]*Client)}
}

// NewClient returns an unjoined transport attached to h.
func (h *Hub) NewClient() *Client {
	c := &Client{hub: h, q: newEventQueue()}
	go c.q.run()
	return c
}

// Members lists the transport ids currently joined to roomID.
func (h *Hub) Members(roomID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.rooms[roomID]))
	for id := range h.rooms[roomID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Client is one participant's transport.
type Client struct {
	hub *Hub
	q   *eventQueue

	mu        sync.Mutex
	handler   media.EventHandler
	roomID    string
	selfID    string
	joined    bool
	published map[media.Kind]bool
	subs      map[string]media.RemoteTrack

	failJoin      int
	failPublish   int
	failSubscribe int
	denyCapture   bool
	joinGate      chan struct{}
	joins         int
	joinAttempts  int
	subGate       chan struct{}
	subWaiting    int
}

func (c *Client) SetHandler(h media.EventHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// emit queues ev for the handler installed right now.
func (c *Client) emit(ev media.Event) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	c.q.push(h, ev)
}

// FailJoin makes the next n joins fail.
func (c *Client) FailJoin(n int) {
	c.mu.Lock()
	c.failJoin = n
	c.mu.Unlock()
}

// FailPublish makes the next n publishes fail.
func (c *Client) FailPublish(n int) {
	c.mu.Lock()
	c.failPublish = n
	c.mu.Unlock()
}

// FailSubscribe makes the next n subscribes fail.
func (c *Client) FailSubscribe(n int) {
	c.mu.Lock()
	c.failSubscribe = n
	c.mu.Unlock()
}

// DenyCapture makes CreateLocalTracks fail with media.ErrCaptureDenied.
func (c *Client) DenyCapture(deny bool) {
	c.mu.Lock()
	c.denyCapture = deny
	c.mu.Unlock()
}

// HoldJoins blocks every Join until the returned release func is called.
func (c *Client) HoldJoins() (release func()) {
	gate := make(chan struct{})
	c.mu.Lock()
	c.joinGate = gate
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			if c.joinGate == gate {
				c.joinGate = nil
			}
			c.mu.Unlock()
			close(gate)
		})
	}
}

// HoldSubscribes makes every Subscribe register its track and then wait,
// regardless of ctx, until release is called. It models a slow provider
// acknowledgement.
func (c *Client) HoldSubscribes() (release func()) {
	gate := make(chan struct{})
	c.mu.Lock()
	c.subGate = gate
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			if c.subGate == gate {
				c.subGate = nil
			}
			c.mu.Unlock()
			close(gate)
		})
	}
}

// SubscribesWaiting counts Subscribe calls parked by HoldSubscribes.
func (c *Client) SubscribesWaiting() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subWaiting
}

// Joined reports whether the client is currently in a room.
func (c *Client) Joined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

// Joins counts successful joins.
func (c *Client) Joins() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joins
}

// JoinAttempts counts every Join that got past HoldJoins, failed or not.
func (c *Client) JoinAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joinAttempts
}

// Subscriptions counts live remote subscriptions.
func (c *Client) Subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (c *Client) Join(ctx context.Context, p media.JoinParams) error {
	if p.RoomID == "" || p.LocalTransportID == "" {
		return errors.New("loopback: room and transport ids are required")
	}
	c.mu.Lock()
	gate := c.joinGate
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	c.joinAttempts++
	if c.failJoin > 0 {
		c.failJoin--
		c.mu.Unlock()
		return errors.New("loopback: injected join failure")
	}
	wasJoined := c.joined
	c.mu.Unlock()
	if wasJoined {
		c.detach(media.ReasonLeave, false)
	}

	h := c.hub
	h.mu.Lock()
	room := h.rooms[p.RoomID]
	if room == nil {
		room = make(map[string]*Client)
		h.rooms[p.RoomID] = room
	}
	if _, taken := room[p.LocalTransportID]; taken {
		h.mu.Unlock()
		return fmt.Errorf("loopback: transport id %s already in room", p.LocalTransportID)
	}
	others := make([]*Client, 0, len(room))
	for _, o := range room {
		others = append(others, o)
	}
	room[p.LocalTransportID] = c

	c.mu.Lock()
	c.roomID = p.RoomID
	c.selfID = p.LocalTransportID
	c.joined = true
	c.published = make(map[media.Kind]bool)
	c.subs = make(map[string]media.RemoteTrack)
	c.joins++
	c.mu.Unlock()

	c.emit(media.Event{Type: media.EventConnectionStateChanged, State: media.ConnectionConnected})
	// The provider echoes our own join to us.
	c.emit(media.Event{Type: media.EventRemoteJoined, RemoteID: p.LocalTransportID})
	for _, o := range others {
		o.mu.Lock()
		oid := o.selfID
		kinds := publishedKinds(o.published)
		o.mu.Unlock()
		c.emit(media.Event{Type: media.EventRemoteJoined, RemoteID: oid})
		for _, k := range kinds {
			c.emit(media.Event{Type: media.EventRemotePublished, RemoteID: oid, Kind: k})
		}
		o.emit(media.Event{Type: media.EventRemoteJoined, RemoteID: p.LocalTransportID})
	}
	h.mu.Unlock()
	return nil
}

func publishedKinds(m map[media.Kind]bool) []media.Kind {
	var out []media.Kind
	for _, k := range []media.Kind{media.KindAudio, media.KindVideo} {
		if m[k] {
			out = append(out, k)
		}
	}
	return out
}

func (c *Client) CreateLocalTracks(ctx context.Context, cons media.Constraints) (media.LocalTracks, error) {
	c.mu.Lock()
	deny := c.denyCapture
	streamID := c.selfID
	c.mu.Unlock()
	if deny {
		return media.LocalTracks{}, media.ErrCaptureDenied
	}
	if streamID == "" {
		streamID = "local"
	}
	return media.NewLocalTracks(streamID, cons)
}

func (c *Client) Publish(ctx context.Context, tracks media.LocalTracks) error {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if c.failPublish > 0 {
		c.failPublish--
		c.mu.Unlock()
		return errors.New("loopback: injected publish failure")
	}
	kinds := tracks.Kinds()
	for _, k := range kinds {
		c.published[k] = true
	}
	selfID := c.selfID
	c.mu.Unlock()

	for _, k := range kinds {
		c.broadcast(media.Event{Type: media.EventRemotePublished, RemoteID: selfID, Kind: k}, true)
	}
	return nil
}

func (c *Client) Unpublish(ctx context.Context) error {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return nil
	}
	kinds := publishedKinds(c.published)
	c.published = make(map[media.Kind]bool)
	selfID := c.selfID
	c.mu.Unlock()

	for _, k := range kinds {
		c.broadcast(media.Event{Type: media.EventRemoteUnpublished, RemoteID: selfID, Kind: k}, false)
	}
	return nil
}

func subKey(remoteID string, kind media.Kind) string { return remoteID + "/" + string(kind) }

func (c *Client) Subscribe(ctx context.Context, remoteID string, kind media.Kind) (media.RemoteTrack, error) {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return media.RemoteTrack{}, ErrNotConnected
	}
	if c.failSubscribe > 0 {
		c.failSubscribe--
		c.mu.Unlock()
		return media.RemoteTrack{}, errors.New("loopback: injected subscribe failure")
	}
	roomID := c.roomID
	c.mu.Unlock()

	c.hub.mu.Lock()
	remote := c.hub.rooms[roomID][remoteID]
	c.hub.mu.Unlock()
	if remote == nil {
		return media.RemoteTrack{}, ErrNotPublished
	}
	remote.mu.Lock()
	ok := remote.published[kind]
	remote.mu.Unlock()
	if !ok {
		return media.RemoteTrack{}, ErrNotPublished
	}

	t := media.RemoteTrack{RemoteID: remoteID, Kind: kind, TrackID: roomID + "/" + subKey(remoteID, kind)}
	c.mu.Lock()
	if c.subs != nil {
		c.subs[subKey(remoteID, kind)] = t
	}
	gate := c.subGate
	if gate != nil {
		c.subWaiting++
	}
	c.mu.Unlock()

	if gate != nil {
		<-gate
		c.mu.Lock()
		c.subWaiting--
		c.mu.Unlock()
	}
	return t, nil
}

func (c *Client) Unsubscribe(ctx context.Context, remoteID string, kind media.Kind) error {
	c.mu.Lock()
	delete(c.subs, subKey(remoteID, kind))
	c.mu.Unlock()
	return nil
}

func (c *Client) Leave(ctx context.Context) error {
	c.detach(media.ReasonLeave, true)
	return nil
}

// DropConnection simulates a network loss: the client leaves its room and
// sees a disconnect with reason network.
func (c *Client) DropConnection() {
	c.detach(media.ReasonNetwork, true)
}

func (c *Client) detach(reason media.DisconnectReason, notifySelf bool) {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return
	}
	roomID, selfID := c.roomID, c.selfID
	c.joined = false
	c.published = nil
	c.subs = nil
	c.mu.Unlock()

	h := c.hub
	h.mu.Lock()
	room := h.rooms[roomID]
	if room[selfID] == c {
		delete(room, selfID)
	}
	if len(room) == 0 {
		delete(h.rooms, roomID)
	}
	others := make([]*Client, 0, len(room))
	for _, o := range room {
		others = append(others, o)
	}
	h.mu.Unlock()

	for _, o := range others {
		o.emit(media.Event{Type: media.EventRemoteLeft, RemoteID: selfID})
	}
	if notifySelf {
		c.emit(media.Event{Type: media.EventConnectionStateChanged, State: media.ConnectionDisconnected, Reason: reason})
	}
}

// broadcast sends ev to every member of the client's room, optionally
// including the client itself.
func (c *Client) broadcast(ev media.Event, includeSelf bool) {
	c.mu.Lock()
	roomID := c.roomID
	c.mu.Unlock()

	c.hub.mu.Lock()
	members := make([]*Client, 0, len(c.hub.rooms[roomID]))
	for _, o := range c.hub.rooms[roomID] {
		if o == c && !includeSelf {
			continue
		}
		members = append(members, o)
	}
	c.hub.mu.Unlock()

	for _, o := range members {
		o.emit(ev)
	}
}

// Close stops event delivery. The client must not be used afterwards.
func (c *Client) Close() {
	c.detach(media.ReasonLeave, false)
	c.q.stop()
}
