package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"devcall/internal/auth"
	"devcall/internal/calls"
	"devcall/internal/presence"
	"devcall/internal/rbac"
	"devcall/internal/reporting"
	"devcall/internal/signaling"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth     *auth.Manager
	Rooms    *auth.RoomTokens
	Calls    *signaling.Controller
	Presence presence.Directory
	Reports  *reporting.Service

	// Now defaults to time.Now.
	Now func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Login issues a JWT token pair.
//
// NOTE: This is a skeleton-only endpoint. Real systems must validate credentials.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortBadRequest(c, "invalid json")
		return
	}
	if req.UserID == "" || req.Role == "" {
		abortBadRequest(c, "user_id, role required")
		return
	}
	if !rbac.IsKnownRole(req.Role) || rbac.IsSuperAdmin(req.Role) {
		abortBadRequest(c, "role must be client or developer")
		return
	}
	pair, err := h.Auth.IssuePair(h.now(), req.UserID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh trades a refresh token for a new pair.
func (h Handlers) Refresh(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		abortBadRequest(c, "refresh_token required")
		return
	}
	pair, err := h.Auth.Refresh(h.now(), req.RefreshToken)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "invalid refresh token", Code: CodeUnauthorized})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// Me echoes the caller identity from the access token.
func (h Handlers) Me(c *gin.Context) {
	uid, _ := auth.UserID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"user_id": uid, "role": role})
}

// --- Presence ---

// ListPresence returns online responders, cheapest first, optionally capped
// by max_rate.
func (h Handlers) ListPresence(c *gin.Context) {
	var maxRate float64
	if raw := c.Query("max_rate"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 {
			abortBadRequest(c, "max_rate must be a non-negative number")
			return
		}
		maxRate = v
	}
	online, err := h.Presence.ListOnline(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"responders": presence.FilterByMaxRate(online, maxRate)})
}

type presenceRequest struct {
	IsOnline   bool    `json:"is_online"`
	HourlyRate float64 `json:"hourly_rate"`
}

// SetPresence lets a responder go online or offline at a rate.
func (h Handlers) SetPresence(c *gin.Context) {
	uid, _ := auth.UserID(c.Request.Context())
	var req presenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortBadRequest(c, "invalid json")
		return
	}
	p := presence.Presence{Identity: uid, IsOnline: req.IsOnline, HourlyRate: req.HourlyRate}
	if err := p.Validate(); err != nil {
		abortWithError(c, err)
		return
	}
	if err := h.Presence.Set(c.Request.Context(), p); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// --- Calls ---

type createCallRequest struct {
	// CallID is optional. A client that sets it may repeat the request.
	CallID        string `json:"call_id"`
	ResponderID   string `json:"responder_id"`
	RequesterName string `json:"requester_name"`
}

func (h Handlers) CreateCall(c *gin.Context) {
	uid, _ := auth.UserID(c.Request.Context())
	var req createCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortBadRequest(c, "invalid json")
		return
	}
	if req.ResponderID == "" {
		abortBadRequest(c, "responder_id required")
		return
	}
	rec, err := h.Calls.CreateCall(c.Request.Context(), strings.TrimSpace(req.CallID), uid, req.ResponderID, strings.TrimSpace(req.RequesterName))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h Handlers) ListIncoming(c *gin.Context) {
	uid, _ := auth.UserID(c.Request.Context())
	out, err := h.Calls.ListIncoming(c.Request.Context(), uid)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": out})
}

// ListOutgoing accepts status as a repeated or comma separated query value.
func (h Handlers) ListOutgoing(c *gin.Context) {
	uid, _ := auth.UserID(c.Request.Context())
	var statuses []calls.Status
	for _, raw := range c.QueryArray("status") {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				statuses = append(statuses, calls.Status(s))
			}
		}
	}
	out, err := h.Calls.ListOutgoing(c.Request.Context(), uid, statuses...)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": out})
}

func (h Handlers) GetCall(c *gin.Context) {
	uid, _ := auth.UserID(c.Request.Context())
	rec, err := h.Calls.Get(c.Request.Context(), c.Param("id"), uid)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

type respondRequest struct {
	Decision signaling.Decision `json:"decision"`
}

func (h Handlers) RespondCall(c *gin.Context) {
	uid, _ := auth.UserID(c.Request.Context())
	var req respondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortBadRequest(c, "invalid json")
		return
	}
	rec, err := h.Calls.Respond(c.Request.Context(), c.Param("id"), uid, req.Decision)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

type transportRequest struct {
	TransportSessionID string `json:"transport_session_id"`
}

func (h Handlers) MarkActive(c *gin.Context) {
	uid, _ := auth.UserID(c.Request.Context())
	var req transportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortBadRequest(c, "invalid json")
		return
	}
	rec, err := h.Calls.MarkActive(c.Request.Context(), c.Param("id"), uid, req.TransportSessionID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h Handlers) EndCall(c *gin.Context) {
	uid, _ := auth.UserID(c.Request.Context())
	rec, err := h.Calls.End(c.Request.Context(), c.Param("id"), uid)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

type roomTokenResponse struct {
	Token     string    `json:"token"`
	AppID     string    `json:"app_id"`
	RoomID    string    `json:"room_id"`
	UID       string    `json:"uid"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IssueRoomToken returns a publisher credential for the call's media room.
// Only parties of a live call get one.
func (h Handlers) IssueRoomToken(c *gin.Context) {
	if h.Rooms == nil {
		abortWithError(c, auth.ErrRoomTokenUnavailable)
		return
	}
	uid, _ := auth.UserID(c.Request.Context())
	var req transportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortBadRequest(c, "invalid json")
		return
	}
	if req.TransportSessionID == "" {
		abortBadRequest(c, "transport_session_id required")
		return
	}
	rec, err := h.Calls.Get(c.Request.Context(), c.Param("id"), uid)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if rec.Status.IsTerminal() {
		abortWithError(c, calls.ErrInvalidTransition)
		return
	}
	tok, exp, err := h.Rooms.Issue(h.now(), rec.ID, req.TransportSessionID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, roomTokenResponse{
		Token:     tok,
		AppID:     h.Rooms.AppID(),
		RoomID:    rec.ID,
		UID:       req.TransportSessionID,
		ExpiresAt: exp,
	})
}
