package api

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nitro_repo",
		Name:      "http_requests_total",
		Help:      "HTTP requests by method and status code.",
	}, []string{"method", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "nitro_repo",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})
)

// metricsMiddleware counts requests and observes latency.
func metricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			method := c.Request().Method
			requestsTotal.WithLabelValues(method, strconv.Itoa(c.Response().Status)).Inc()
			requestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// metricsHandler exposes the Prometheus registry.
func metricsHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.Handler())
}
