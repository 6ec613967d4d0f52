package httpapi

import (
	stdhttp "net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"meshforge/internal/http/handlers"
	"meshforge/internal/middleware"
)

// NewRouter wires the public API, the provider webhooks and the
// token-guarded internal trigger routes.
func NewRouter(app *handlers.App) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(app.Log),
	)
	if len(app.Cfg.AllowedOrigins) > 0 {
		r.Use(middleware.CORS(app.Cfg.AllowedOrigins))
	}

	r.Get("/v1/healthz", app.Health)

	// Providers authenticate with webhook secrets, not JWTs.
	r.Post("/v1/webhooks/{provider}", app.WebhookReceive)

	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthJWT(app.Cfg.JWTSecret))
		r.Use(middleware.RateLimit(app.Cfg.RateLimitPerMin, time.Minute))

		r.Route("/v1/jobs", func(r chi.Router) {
			r.Post("/", app.JobCreate)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", app.JobStatus)
				r.Post("/dispatch", app.JobDispatch)
				r.Post("/cancel", app.JobCancel)
				r.Get("/poll", app.JobPoll)
				r.Post("/poll", app.JobPoll)
			})
		})
		r.Get("/v1/assets/{asset_id}", app.AssetGet)
	})

	// Internal trigger surface for the poller and scheduled jobs.
	r.Group(func(r chi.Router) {
		r.Use(middleware.InternalAuth(app.Cfg.InternalToken))
		r.Post("/internal/v1/jobs/{job_id}/poll", app.JobPoll)
	})

	return r
}
