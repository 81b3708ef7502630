package router

import (
	"github.com/go-chi/chi/v5"
	"github.com/riandyrn/otelchi"
)

// New builds the chi router the local proxy's HTTP listener serves on. The
// gateway-facing ingress has no browser client and no cross-origin callers,
// so CORS handling is dropped; trace propagation is kept.
func New(serviceName string) *chi.Mux {
	r := chi.NewRouter()
	r.Use(otelchi.Middleware(serviceName, otelchi.WithChiRoutes(r)))
	return r
}
