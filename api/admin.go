package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/jerry-enebeli/remit"
	"github.com/jerry-enebeli/remit/api/model"
	redlock "github.com/jerry-enebeli/remit/internal/lock"
)

// GetDeadLetters returns the newest quarantined events with their error
// headers.
func (a Api) GetDeadLetters(c *gin.Context) {
	limit, err := strconv.ParseInt(c.DefaultQuery("limit", "50"), 10, 64)
	if err != nil || limit <= 0 {
		limit = 50
	}

	messages, err := a.remit.DeadLetters(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]gin.H, 0, len(messages))
	for _, msg := range messages {
		out = append(out, gin.H{
			"partition": msg.Partition,
			"offset":    msg.Offset,
			"key":       msg.Key,
			"headers":   msg.Headers,
			"payload":   string(msg.Payload),
		})
	}
	c.JSON(http.StatusOK, out)
}

// Reconcile replays abandoned PENDING records now instead of waiting for the
// next scheduled sweep.
func (a Api) Reconcile(c *gin.Context) {
	var req model.ReconcileRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	threshold := req.Threshold()
	if threshold < remit.MinReconcileThreshold {
		threshold = remit.MinReconcileThreshold
	}

	processed, err := a.reconciler.Reconcile(c.Request.Context(), threshold)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, redlock.ErrLockHeld) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, model.ReconcileResult{Processed: processed, Threshold: threshold.String()})
}
