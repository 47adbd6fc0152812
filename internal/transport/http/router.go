package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tempmail/gateway/internal/config"
	"tempmail/gateway/internal/health"
	"tempmail/gateway/internal/middleware"
	"tempmail/gateway/internal/monitoring"
	"tempmail/gateway/internal/service"
	"tempmail/gateway/internal/websocket"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config     *config.Config
	Identities *service.IdentityService
	Hub        *websocket.Hub        // 可选，为空时不提供 /ws
	Health     *health.HealthChecker // 可选
	Metrics    *monitoring.Metrics   // 可选
	Logger     *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	router := gin.New()

	router.Use(middleware.RecoveryHandler(log))
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.SecurityHeaders())
	if deps.Metrics != nil {
		router.Use(middleware.HTTPMetrics(deps.Metrics))
	}
	router.Use(middleware.BodySizeLimit(middleware.DefaultBodyLimit))

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	handler := NewHandler(deps.Identities, log)

	router.POST("/user/random", handler.ClaimRandom)
	router.POST("/user/custom", handler.ClaimCustom)
	router.GET("/domains", handler.ListDomains)

	// 静态段 rss 优先于 :id 参数匹配
	mail := router.Group("/mail/:token")
	{
		mail.GET("", handler.ListMessages)
		mail.GET("/rss", handler.Feed)
		mail.GET("/:id", handler.GetMessage)
		mail.GET("/:id/iframe", handler.RenderMessage)
		mail.GET("/:id/show", handler.ShowMessage)
	}

	if deps.Hub != nil {
		router.GET("/ws/:token", deps.Hub.Handler())
	}

	if deps.Health != nil {
		healthHandler := gin.WrapH(http.StripPrefix("/health", deps.Health.Handler()))
		router.GET("/health/live", healthHandler)
		router.GET("/health/ready", healthHandler)
	}

	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	router.NoRoute(func(c *gin.Context) {
		NotFound(c, "接口不存在")
	})

	return router
}
