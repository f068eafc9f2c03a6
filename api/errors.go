package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/bookkeeping_core/bank"
	"github.com/mmdatafocus/bookkeeping_core/config"
	"github.com/mmdatafocus/bookkeeping_core/models"
	"github.com/mmdatafocus/bookkeeping_core/sie"
	"github.com/mmdatafocus/bookkeeping_core/store"
	"github.com/mmdatafocus/bookkeeping_core/utils"
)

// StatusFor maps domain errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidPayload),
		errors.Is(err, models.ErrInvalidPeriod),
		errors.Is(err, bank.ErrInvalidFile),
		errors.Is(err, sie.ErrInvalidFile):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrPeriodLocked),
		errors.Is(err, models.ErrAlreadySettled),
		errors.Is(err, models.ErrAlreadyReversed),
		errors.Is(err, store.ErrDuplicate),
		errors.Is(err, utils.ErrLockNotObtained):
		return http.StatusConflict
	case errors.Is(err, models.ErrBalanceMismatch),
		errors.Is(err, models.ErrNoOpenBalance),
		errors.Is(err, models.ErrAmountMismatch),
		errors.Is(err, models.ErrUnknownSettlement),
		errors.Is(err, models.ErrBusinessMismatch):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(c *gin.Context, funcName string, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		config.LogError(h.logger, "api", funcName, c.Request.Method+" "+c.FullPath(), nil, err)
		_ = c.Error(err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	body := gin.H{"error": err.Error()}
	var ve *models.ValidationError
	if errors.As(err, &ve) && ve.Field != "" {
		body["field"] = ve.Field
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}
