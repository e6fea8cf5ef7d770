package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"distauth/client"
	"distauth/keys"
	"distauth/metrics"
)

// Routes constructs the HTTP router with the issuer and verifier endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware(a.Config.Server.CORS.AllowedOrigins))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get(keys.MetadataPath, a.handleMetadata)
	r.Get("/.well-known/jwks.json", a.handleJWKS)

	r.Post("/token", a.handleToken)
	r.Post("/introspect", a.handleIntrospect)

	r.With(client.RequireAuth(a.Validator)).Get("/whoami", a.handleWhoAmI)

	r.Get("/healthz", a.handleHealthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	return r
}
