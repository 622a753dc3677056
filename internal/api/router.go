package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/notifyhub/delivery-pipeline/internal/api/handler"
	apimw "github.com/notifyhub/delivery-pipeline/internal/api/middleware"
	"github.com/notifyhub/delivery-pipeline/internal/dispatch/push"
	"github.com/notifyhub/delivery-pipeline/internal/service"
	"github.com/notifyhub/delivery-pipeline/internal/worker"
)

// Deps are the collaborators behind the HTTP surface. Service and Push are
// optional: their routes are only mounted when the process runs the matching
// role.
type Deps struct {
	Service  *service.NotificationService
	Push     *push.Endpoint
	Depths   worker.DepthReader
	Queues   []string
	Checks   map[string]handler.Check
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// NewRouter wires the chi router, attaches all middleware, and registers
// every route. It is the single source of truth for the HTTP surface area.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	// --- global middleware (applied to every route) ---
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(apimw.CorrelationID)
	r.Use(apimw.RequestLogger(d.Logger))

	hh := handler.NewHealthHandler(d.Checks)
	mh := handler.NewMetricsHandler(d.Depths, d.Queues)

	// --- routes ---
	r.Get("/health", hh.Health)
	r.Get("/ready", hh.Ready)

	// Raw Prometheus scrape endpoint
	r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))

	if d.Push != nil {
		ph := handler.NewPushHandler(d.Push)
		r.Get("/ws/push/{recipient_id}", ph.Connect)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(chimw.RequestSize(1 << 20))

		if d.Service != nil {
			nh := handler.NewNotificationHandler(d.Service, d.Logger)
			r.Post("/notifications", nh.Create)
			r.Get("/notifications/{id}", nh.GetByID)
			r.Delete("/notifications/{id}", nh.Cancel)
		}

		// JSON queue depth snapshot
		r.Get("/metrics", mh.GetMetrics)
	})

	return r
}
