package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/pointsync/internal/logging"
)

// SessionHeader carries the caller's push session ID so its own broadcast
// is suppressed.
const SessionHeader = "X-Session-ID"

// Handler provides HTTP endpoints for ledger operations
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterReadRoutes sets up read-only routes.
func (h *Handler) RegisterReadRoutes(r *gin.RouterGroup) {
	r.GET("/balances", h.GetBalances)
	r.GET("/history", h.GetHistory)
}

// RegisterMutateRoutes sets up routes that change balances.
func (h *Handler) RegisterMutateRoutes(r *gin.RouterGroup) {
	r.POST("/mutate-points", h.MutatePoints)
}

// MutateRequest is the body of POST /mutate-points.
type MutateRequest struct {
	ChildKey   string    `json:"childKey"`
	Delta      int64     `json:"delta"`
	Reason     string    `json:"reason"`
	Direction  Direction `json:"direction"`
	ClientOpID string    `json:"clientOpId,omitempty"`
}

// MutateResponse is the 200 body of POST /mutate-points.
type MutateResponse struct {
	NewTotal  int64           `json:"newTotal"`
	Clamped   bool            `json:"clamped"`
	Note      string          `json:"note,omitempty"`
	Duplicate bool            `json:"duplicate"`
	Record    *MutationRecord `json:"record"`
}

// MutatePoints handles POST /mutate-points
func (h *Handler) MutatePoints(c *gin.Context) {
	var req MutateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"field":   "body",
			"message": "Invalid request body",
		})
		return
	}

	session := c.GetHeader(SessionHeader)
	ctx := logging.WithSessionID(c.Request.Context(), session)

	res, err := h.svc.Apply(ctx, Mutation{
		ChildKey:   req.ChildKey,
		Delta:      req.Delta,
		Reason:     req.Reason,
		Direction:  req.Direction,
		ClientOpID: req.ClientOpID,
	}, session)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, MutateResponse{
		NewTotal:  res.NewTotal,
		Clamped:   res.Clamped,
		Note:      res.Note(),
		Duplicate: res.Duplicate,
		Record:    res.Record,
	})
}

// GetBalances handles GET /balances
func (h *Handler) GetBalances(c *gin.Context) {
	snap, err := h.svc.Snapshot(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// GetHistory handles GET /history?childKey=&limit=&cursor=
func (h *Handler) GetHistory(c *gin.Context) {
	limit := 0
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"field":   "limit",
				"message": "must be a positive integer",
			})
			return
		}
		limit = n
	}

	page, err := h.svc.History(c.Request.Context(), c.Query("childKey"), limit, c.Query("cursor"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *Handler) writeError(c *gin.Context, err error) {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"field":   ve.Field,
			"message": ve.Message,
		})
	case errors.Is(err, ErrStoreUnavailable):
		logging.L(c.Request.Context()).Error("ledger store unavailable", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": "Ledger temporarily unavailable, retry later",
		})
	default:
		logging.L(c.Request.Context()).Error("ledger request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Unexpected ledger error",
		})
	}
}
