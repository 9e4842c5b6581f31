package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"pyramid/internal/session"
)

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReadyz(c *gin.Context) {
	rep := s.readiness(c.Request.Context())
	if !rep.Ready {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "sessions": rep.Sessions})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "sessions": rep.Sessions})
}

func (s *Server) handleSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.sessions.Statuses()})
}

func (s *Server) handleSession(c *gin.Context) {
	user := c.Param("user")
	for _, st := range s.sessions.Statuses() {
		if st.UserID == user {
			c.JSON(http.StatusOK, st)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": "unknown session " + user})
}

// sessionReadiness is one session's entry in the readiness report.
type sessionReadiness struct {
	UserID        string        `json:"user_id"`
	State         session.State `json:"state"`
	Ready         bool          `json:"ready"`
	LastHeartbeat *time.Time    `json:"last_heartbeat,omitempty"`
	Reason        string        `json:"reason,omitempty"`
}

type readinessReport struct {
	Ready    bool               `json:"ready"`
	Sessions []sessionReadiness `json:"sessions"`
}

// readiness reports the process ready when at least one session runs and
// every running session's heartbeat is fresher than StaleAfter. Sessions
// that failed are listed but do not block readiness.
func (s *Server) readiness(ctx context.Context) readinessReport {
	beats := make(map[string]time.Time)
	var beatErr error
	if s.heartbeats != nil {
		hbs, err := s.heartbeats.ListHeartbeats(ctx)
		beatErr = err
		for _, hb := range hbs {
			beats[hb.UserID] = hb.At
		}
	}

	now := s.now()
	rep := readinessReport{Ready: true}
	running := 0
	for _, st := range s.sessions.Statuses() {
		sr := sessionReadiness{UserID: st.UserID, State: st.State}
		if at, ok := beats[st.UserID]; ok {
			sr.LastHeartbeat = &at
		}
		switch {
		case st.State != session.StateRunning:
			sr.Reason = string(st.State)
			if st.Error != "" {
				sr.Reason += ": " + st.Error
			}
		case beatErr != nil:
			sr.Reason = "heartbeat lookup failed: " + beatErr.Error()
			rep.Ready = false
			running++
		case sr.LastHeartbeat == nil:
			sr.Reason = "no heartbeat"
			rep.Ready = false
			running++
		case now.Sub(*sr.LastHeartbeat) > StaleAfter:
			sr.Reason = "heartbeat stale"
			rep.Ready = false
			running++
		default:
			sr.Ready = true
			running++
		}
		rep.Sessions = append(rep.Sessions, sr)
	}
	if running == 0 {
		rep.Ready = false
	}
	return rep
}
