package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/pointsync/internal/logging"
)

// Handle serves GET /admin/reconcile: runs a check now and returns the report.
func (r *Runner) Handle(c *gin.Context) {
	report, err := r.RunAll(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("on-demand reconciliation failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "reconcile_failed",
			"message": "Reconciliation could not complete",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"healthy": report.Healthy(),
		"report":  report,
	})
}
