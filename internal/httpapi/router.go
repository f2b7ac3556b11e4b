package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/suPer8Hu/genstudio/internal/common"
	"github.com/suPer8Hu/genstudio/internal/httpapi/handlers"
	"github.com/suPer8Hu/genstudio/internal/httpapi/middleware"
)

type RouterOptions struct {
	JWTSecret string
	Sentry    bool
}

func NewRouter(h *handlers.Handler, opts RouterOptions, log zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.AccessLog(log))
	if opts.Sentry {
		r.Use(middleware.Sentry())
	}
	r.Use(middleware.Recovery(log))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/health", h.HealthCheck)

	// JWT required
	v1 := r.Group("/api/v1")
	v1.Use(middleware.AuthRequired(opts.JWTSecret))

	v1.POST("/generate/image", h.GenerateImage)
	v1.POST("/generate/image-from", h.GenerateImageFrom)
	v1.POST("/generate/video", h.GenerateVideo)
	v1.GET("/generations", h.ListGenerations)
	v1.GET("/generations/:id", h.GetGeneration)

	admin := v1.Group("/admin")
	admin.Use(middleware.AdminRequired())
	admin.GET("/queue", h.AdminQueue)
	admin.POST("/review/:id", h.AdminReview)
	admin.GET("/review/:id", h.AdminReviewHistory)

	return r
}
