package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Brownie44l1/classifier-api/internal/metrics"
)

const ClassifyPath = "/api/v1/classify_image"

// NewRouter wires the handler, health and metrics endpoints.
func NewRouter(h *Handler, m *metrics.Metrics, logger *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(requestLogger(logger, m), recovery(logger, m), enableCORS)

	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(m.Handler()))
	r.POST(ClassifyPath, h.ClassifyImage)
	return r
}

func enableCORS(c *gin.Context) {
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	c.Header("Access-Control-Allow-Headers", "Content-Type")

	if c.Request.Method == http.MethodOptions {
		c.AbortWithStatus(http.StatusOK)
		return
	}
	c.Next()
}

func requestLogger(logger *zap.SugaredLogger, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := c.Writer.Status()
		duration := time.Since(start)
		m.ObserveHTTP(path, c.Request.Method, strconv.Itoa(status), duration)
		logger.Debugw("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration", duration,
			"transaction_id", c.GetString(transactionKey),
		)
	}
}

// recovery turns a panic into the 500 envelope instead of a bare response.
func recovery(logger *zap.SugaredLogger, m *metrics.Metrics) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		transactionID := c.GetString(transactionKey)
		logger.Errorw("panic while handling request", "transaction_id", transactionID, "panic", recovered)
		m.ObserveRequest(metrics.OutcomeError)
		c.AbortWithStatusJSON(http.StatusInternalServerError, Response{
			Message:       MessageServerError,
			TransactionID: transactionID,
		})
	})
}
