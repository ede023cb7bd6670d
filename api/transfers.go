package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/jerry-enebeli/remit/api/model"
	"github.com/jerry-enebeli/remit/internal/apierror"
)

// QueueTransfer publishes a transfer event and answers before it is applied.
// The outcome is read back through GetTransfer.
func (a Api) QueueTransfer(c *gin.Context) {
	var newTransfer model.QueueTransfer
	if err := c.ShouldBindJSON(&newTransfer); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := newTransfer.ValidateQueueTransfer(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	correlationID, err := a.remit.PublishTransfer(c.Request.Context(), newTransfer.ToTransferEvent())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, model.QueuedTransfer{
		TransactionID: newTransfer.TransactionID,
		CorrelationID: correlationID,
		Status:        "QUEUED",
	})
}

func (a Api) GetTransfer(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	transfer, err := a.remit.GetTransfer(c.Request.Context(), id)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, transfer)
}

// GetTransfers lists records newest first, optionally filtered by status.
func (a Api) GetTransfers(c *gin.Context) {
	status, err := model.ParseStatus(c.Query("status"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit, offset := pagination(c)

	transfers, err := a.remit.GetTransfers(c.Request.Context(), status, limit, offset)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, transfers)
}

func pagination(c *gin.Context) (int, int) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 || limit > 100 {
		limit = 20
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return limit, offset
}
