// Package api is the HTTP surface: a chi router over the core services,
// shaping responses into the stable wire format.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/crawlpoint/crawlpoint/internal/auth"
	"github.com/crawlpoint/crawlpoint/internal/logs"
	"github.com/crawlpoint/crawlpoint/internal/metrics"
	"github.com/crawlpoint/crawlpoint/internal/observability"
	"github.com/crawlpoint/crawlpoint/internal/service"
)

// Handlers bundles the services behind the HTTP surface.
type Handlers struct {
	Actors   *service.ActorService
	Runs     *service.RunService
	Datasets *service.DatasetService
	KeyValue *service.KeyValueService
	Queues   *service.QueueService
	Ring     logs.Ring
	Verifier *auth.Verifier
}

// Router assembles the full /v2 surface plus the unauthenticated health
// and metrics endpoints.
func Router(h *Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)
	r.Use(observability.HTTPMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.health)
	if mh := metrics.Handler(); mh != nil {
		r.Method("GET", "/metrics", mh)
	}

	r.Route("/v2", func(r chi.Router) {
		r.Use(h.Verifier.Middleware(func(w http.ResponseWriter, _ *http.Request, err error) {
			writeError(w, err)
		}))

		r.Route("/acts", func(r chi.Router) {
			r.Post("/", h.createActor)
			r.Get("/", h.listActors)
			r.Route("/{actorID}", func(r chi.Router) {
				r.Get("/", h.getActor)
				r.Put("/", h.updateActor)
				r.Delete("/", h.deleteActor)
				r.Post("/runs", h.createRun)
				r.Get("/runs", h.listActorRuns)
			})
		})

		r.Route("/actor-runs", func(r chi.Router) {
			r.Get("/", h.listRuns)
			r.Route("/{runID}", func(r chi.Router) {
				r.Get("/", h.getRun)
				r.Put("/", h.updateRun)
				r.Post("/abort", h.abortRun)
				r.Post("/resurrect", h.resurrectRun)
				r.Get("/logs", h.fetchLogs)
				r.Get("/logs/stream", h.streamLogs)
			})
		})

		r.Route("/datasets", func(r chi.Router) {
			r.Post("/", h.createDataset)
			r.Get("/", h.listDatasets)
			r.Route("/{datasetID}", func(r chi.Router) {
				r.Get("/", h.getDataset)
				r.Delete("/", h.deleteDataset)
				r.Post("/items", h.pushItems)
				r.Get("/items", h.listItems)
			})
		})

		r.Route("/key-value-stores", func(r chi.Router) {
			r.Post("/", h.createKeyValueStore)
			r.Get("/", h.listKeyValueStores)
			r.Route("/{storeID}", func(r chi.Router) {
				r.Get("/", h.getKeyValueStore)
				r.Delete("/", h.deleteKeyValueStore)
				r.Get("/keys", h.listKeys)
				r.Route("/records/{recordKey}", func(r chi.Router) {
					r.Get("/", h.getRecord)
					r.Put("/", h.putRecord)
					r.Delete("/", h.deleteRecord)
				})
			})
		})

		r.Route("/request-queues", func(r chi.Router) {
			r.Post("/", h.createQueue)
			r.Get("/", h.listQueues)
			r.Route("/{queueID}", func(r chi.Router) {
				r.Get("/", h.getQueue)
				r.Delete("/", h.deleteQueue)
				r.Post("/requests", h.addRequest)
				r.Post("/requests/batch", h.addRequestsBatch)
				r.Get("/head", h.getHead)
				r.Post("/head/lock", h.acquireHead)
				r.Route("/requests/{requestID}", func(r chi.Router) {
					r.Get("/", h.getRequest)
					r.Put("/", h.updateRequest)
					r.Put("/lock", h.prolongLock)
					r.Delete("/lock", h.releaseLock)
				})
			})
		})
	})

	return r
}

func (h *Handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

// metricsMiddleware records request counts and latency by method.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		statusClass := "2xx"
		switch {
		case ww.Status() >= 500:
			statusClass = "5xx"
		case ww.Status() >= 400:
			statusClass = "4xx"
		case ww.Status() >= 300:
			statusClass = "3xx"
		}
		metrics.HTTPRequest(r.Method, statusClass, time.Since(start))
	})
}
