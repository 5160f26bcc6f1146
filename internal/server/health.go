package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/pointsync/internal/health"
)

// maxReconcileFailures failed background runs in a row mark the check
// unhealthy.
const maxReconcileFailures = 3

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.health.CheckAll(c.Request.Context())

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		switch {
		case st.Healthy:
			checks[st.Name] = "healthy"
		case st.Detail != "":
			checks[st.Name] = "unhealthy: " + st.Detail
		default:
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// reconciliationStatus reports the last background invariant check. No
// run yet counts as healthy.
func (s *Server) reconciliationStatus(_ context.Context) health.Status {
	if n := s.reconTimer.ConsecutiveFailures(); n >= maxReconcileFailures {
		return health.Status{
			Name:    "reconciliation",
			Healthy: false,
			Detail:  fmt.Sprintf("%d consecutive failed runs", n),
		}
	}
	report := s.reconciler.LastReport()
	if report == nil || report.Healthy() {
		return health.Status{Name: "reconciliation", Healthy: true}
	}
	return health.Status{
		Name:    "reconciliation",
		Healthy: false,
		Detail:  fmt.Sprintf("%d balance mismatches", len(report.Mismatches)),
	}
}
