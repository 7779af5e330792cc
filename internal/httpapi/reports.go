package httpapi

import (
	"net/http"
	"time"

	"devcall/internal/auth"
	"devcall/internal/calls"
	"devcall/internal/rbac"
	"devcall/internal/reporting"

	"github.com/gin-gonic/gin"
)

const defaultSummaryWindow = 30 * 24 * time.Hour

// CallsSummary reports the caller's own call history. Clients see the calls
// they placed and developers the calls they received. from and to are
// RFC 3339 and default to the last 30 days.
func (h Handlers) CallsSummary(c *gin.Context) {
	if h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusNotImplemented, errorBody{Error: "reporting not configured", Code: CodeUnavailable})
		return
	}
	uid, _ := auth.UserID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())

	to := h.now()
	if raw := c.Query("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			abortBadRequest(c, "to must be RFC 3339")
			return
		}
		to = t
	}
	from := to.Add(-defaultSummaryWindow)
	if raw := c.Query("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			abortBadRequest(c, "from must be RFC 3339")
			return
		}
		from = t
	}

	side := calls.RoleRequester
	if role == rbac.RoleDeveloper {
		side = calls.RoleResponder
	}
	out, err := h.Reports.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{
		Identity: uid,
		Side:     side,
		Range:    reporting.TimeRange{From: from, To: to},
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}
