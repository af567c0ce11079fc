package router

import (
	"time"

	"context-lab/internal/handler"
	"context-lab/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func SetupRouter(svc *service.ServiceContext, log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(log))

	// CORS
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	experimentHandler := handler.NewExperimentHandler(svc, log)

	api := r.Group("/api")
	{
		api.GET("/providers", experimentHandler.Providers)

		experiments := api.Group("/experiments")
		{
			// 单个 run
			runs := experiments.Group("/runs")
			{
				runs.POST("", experimentHandler.StartRun)
				runs.GET("", experimentHandler.ListRuns)
				runs.GET("/:id", experimentHandler.GetRun)
				runs.DELETE("/:id", experimentHandler.DeleteRun)
				runs.POST("/:id/cancel", experimentHandler.CancelRun)
				runs.GET("/:id/stream", experimentHandler.StreamRun)
				runs.GET("/:id/prompts", experimentHandler.RunPrompts)
			}

			// 多 provider 批次
			batches := experiments.Group("/batches")
			{
				batches.POST("", experimentHandler.StartBatch)
				batches.GET("/:id", experimentHandler.GetBatch)
				batches.GET("/:id/stream", experimentHandler.StreamBatch)
				batches.GET("/:id/report", experimentHandler.BatchReport)
				batches.POST("/:id/cancel", experimentHandler.CancelBatch)
				batches.DELETE("/:id", experimentHandler.DeleteBatch)
			}
		}
	}

	return r
}

// requestLogger 替代 gin.Logger，输出结构化访问日志
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		if c.Writer.Status() >= 500 {
			log.Error("http request", fields...)
			return
		}
		log.Info("http request", fields...)
	}
}
