package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with the auth endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger, a.Config.DevMode()))
	if len(a.Config.Server.AllowedOrigins) > 0 {
		r.Use(CORSMiddleware(a.Config.Server.AllowedOrigins))
	}
	r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge, !a.Config.DevMode()))

	r.Get("/healthz", a.handleHealth)
	if a.Metrics != nil {
		r.Method(http.MethodGet, a.Config.Metrics.Path, a.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/login", a.OIDC.HandleLogin)
		r.Get("/callback", a.OIDC.HandleCallback)
		r.Get("/logout", a.OIDC.HandleLogout)

		if a.Config.Demo.Enabled {
			r.Group(func(r chi.Router) {
				r.Use(a.RateLimit.Middleware)
				r.Post("/demo/auth", a.Demo.HandlePhone)
				r.Post("/demo/auth/email", a.Demo.HandleEmail)
				r.Post("/demo/logout", a.Demo.HandleLogout)
			})
		}

		r.Group(func(r chi.Router) {
			r.Use(a.Resolver.Middleware)
			r.Get("/auth/user", a.handleUser)
		})
	})

	return r
}
