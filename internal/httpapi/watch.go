package httpapi

import (
	"net/http"
	"time"

	"devcall/internal/auth"
	"devcall/internal/calls"
	"devcall/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Callers are authenticated by token, not by origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WatchCall streams revisions of a call record over a websocket. The first
// message is the current revision; every later message has a higher
// version. The server closes the stream normally after a terminal revision,
// and with "try again later" when the store stops delivering.
func (h Handlers) WatchCall(c *gin.Context) {
	uid, _ := auth.UserID(c.Request.Context())
	id := c.Param("id")
	log := logger.FromGin(c).With("call_id", id, "identity", uid)

	// Authorize before upgrading so failures are plain HTTP errors.
	if _, err := h.Calls.Get(c.Request.Context(), id, uid); err != nil {
		abortWithError(c, err)
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("watch upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	done := make(chan struct{})
	out := make(chan calls.Record)
	lost := make(chan error, 1)
	unsub, err := h.Calls.Subscribe(ctx, id, uid, func(rec calls.Record) {
		select {
		case out <- rec:
		case <-done:
		}
	}, func(err error) { lost <- err })
	if err != nil {
		status, code := classify(err)
		log.Warn("watch subscribe failed", "status", status, "err", err)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, code), time.Now().Add(wsWriteWait))
		return
	}
	defer unsub()
	defer close(done)

	// Drain client frames so pongs and close frames are processed.
	gone := make(chan struct{})
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	log.Debug("watch opened")
	for {
		select {
		case <-ctx.Done():
			return
		case <-gone:
			log.Debug("watch closed by client")
			return
		case err := <-lost:
			_, code := classify(err)
			log.Warn("watch lost by store", "err", err)
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, code), time.Now().Add(wsWriteWait))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case rec := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(rec); err != nil {
				log.Warn("watch write failed", "err", err)
				return
			}
			if rec.Status.IsTerminal() {
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(rec.Status)), time.Now().Add(wsWriteWait))
				return
			}
		}
	}
}
