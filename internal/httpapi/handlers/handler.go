package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/suPer8Hu/genstudio/internal/common"
	"github.com/suPer8Hu/genstudio/internal/generation"
	"github.com/suPer8Hu/genstudio/internal/httpapi/middleware"
)

type Handler struct {
	Svc    *generation.Service
	Queue  *generation.ReviewQueue
	Log    zerolog.Logger
	Health func() error
}

func NewHandler(svc *generation.Service, queue *generation.ReviewQueue, log zerolog.Logger) *Handler {
	return &Handler{Svc: svc, Queue: queue, Log: log}
}

func (h *Handler) HealthCheck(c *gin.Context) {
	if h.Health != nil {
		if err := h.Health(); err != nil {
			common.Fail(c, http.StatusServiceUnavailable, 50300, "unhealthy")
			return
		}
	}
	common.OK(c, gin.H{"status": "ok"})
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok && id != 0
}

// failErr maps core errors onto the response envelope.
func (h *Handler) failErr(c *gin.Context, err error) {
	var ve *generation.ValidationError
	switch {
	case errors.As(err, &ve):
		common.Fail(c, http.StatusBadRequest, 10002, ve.Error())
	case errors.Is(err, generation.ErrNotFound):
		common.Fail(c, http.StatusNotFound, 40401, "generation not found")
	case errors.Is(err, generation.ErrInvalidTransition):
		common.Fail(c, http.StatusConflict, 40901, err.Error())
	default:
		h.Log.Error().Err(err).
			Str("request_id", c.GetString(middleware.RequestIDKey)).
			Str("path", c.FullPath()).
			Msg("request failed")
		middleware.ReportError(c, err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}
