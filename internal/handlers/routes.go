package handlers

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by route, method and status",
		},
		[]string{"route", "method", "status", "instance"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration)
}

// Metrics records a counter and latency per matched route.
func Metrics(instance string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status()), instance).Inc()
		httpRequestDuration.WithLabelValues(route, c.Request.Method).Observe(time.Since(start).Seconds())
	}
}

// SetupRoutes registers every endpoint on r.
func SetupRoutes(r *gin.Engine, h *Handler) {
	r.Use(Metrics(h.instance))

	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/auth", h.Auth)

	users := r.Group("/users")
	{
		users.GET("/:id", h.GetUser)
		users.PUT("/:id", h.UpdateUser)
	}

	alerts := r.Group("/alerts")
	{
		alerts.GET("", h.ListAlerts)
		alerts.POST("", h.CreateAlert)
		alerts.GET("/stream", h.StreamAlerts)
		alerts.GET("/:id", h.GetAlert)
		alerts.PUT("/:id", h.UpdateAlert)
		alerts.DELETE("/:id", h.DeleteAlert)
	}

	r.POST("/evaluate", h.Evaluate)

	notifications := r.Group("/notifications")
	{
		notifications.POST("", h.SendNotification)
		notifications.GET("/test", h.TestNotification)
	}

	r.GET("/prices", h.GetPrices)
	r.GET("/prices/:symbol", h.GetPrice)
}

// NewRouter builds a gin engine with recovery and every route registered.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	SetupRoutes(r, h)
	return r
}
