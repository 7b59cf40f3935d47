package api

import (
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/d60-Lab/timeline-feed/config"
	_ "github.com/d60-Lab/timeline-feed/docs"
	"github.com/d60-Lab/timeline-feed/internal/api/handler"
	"github.com/d60-Lab/timeline-feed/internal/api/middleware"
)

// SetupRouter 注册路由与中间件
func SetupRouter(cfg *config.Config, h *handler.Handler) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Tracing.ServiceName))
	}
	r.Use(middleware.Logger())
	r.Use(gzip.Gzip(gzip.DefaultCompression))

	r.GET("/healthz", h.Health)
	if cfg.Server.Swagger {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	v1 := r.Group("/api/v1")
	{
		tl := v1.Group("/timeline")
		tl.POST("/refresh", h.TriggerRefresh)
		tl.GET("/:user_id", h.GetTimeline)
		tl.POST("/:user_id/invalidate", h.InvalidateTimeline)

		v1.GET("/jobs/:id", h.GetJob)
	}
	return r
}
