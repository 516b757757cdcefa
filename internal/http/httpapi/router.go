package httpapi

import (
	stdhttp "net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"restoration/internal/http/handlers"
	"restoration/internal/middleware"
)

// Options tunes the router's middleware stack.
type Options struct {
	RateLimitPerMin int
}

func NewRouter(app *handlers.App, opts Options) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(app.Logger),
	)
	if opts.RateLimitPerMin > 0 {
		r.Use(middleware.RateLimit(opts.RateLimitPerMin, time.Minute))
	}

	// Health
	r.Get("/v1/healthz", app.Health)

	r.Route("/v1/batches", func(r chi.Router) {
		r.Post("/", app.CreateBatch)
		r.Get("/{id}", app.GetBatch)
		r.Post("/{id}/cancel", app.CancelBatch)
		r.Post("/{id}/retry-dead-letter", app.RetryDeadLetter)
	})

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Get("/{id}", app.GetJob)
		r.Post("/{id}/retry", app.RetryJob)
		r.Post("/{id}/force", app.ForceTransition)
		r.Post("/{id}/cancel", app.CancelJob)
	})

	r.Route("/v1/breakers", func(r chi.Router) {
		r.Get("/", app.BreakerStates)
		r.Post("/{name}/reset", app.ResetBreaker)
	})

	return r
}
