package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qrbridge/qrbridge/internal/metrics"
)

// RegisterMetricsRoute exposes the Prometheus registry on /metrics.
func RegisterMetricsRoute(app *fiber.App, m *metrics.Metrics) {
	if m == nil {
		return
	}
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{})))
}
