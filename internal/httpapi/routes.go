// Package httpapi wires the broker's HTTP and WebSocket surface.
package httpapi

import (
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hibiki-ye/cookiebroker/internal/auditlog"
	"github.com/hibiki-ye/cookiebroker/internal/coordinator"
	"github.com/hibiki-ye/cookiebroker/internal/hub"
	"github.com/hibiki-ye/cookiebroker/internal/metrics"
	"github.com/hibiki-ye/cookiebroker/internal/session"
	"github.com/hibiki-ye/cookiebroker/internal/store"
)

// Dependencies carries everything the handlers need.
type Dependencies struct {
	Logger      *slog.Logger
	Store       *store.Store
	Registry    *session.Registry
	Coordinator *coordinator.Coordinator
	Hub         *hub.Hub
	Metrics     *metrics.Registry
	Audit       *auditlog.Log

	// HeartbeatInterval is advertised to workers, in seconds.
	HeartbeatInterval  int
	MaxInactiveMinutes int
	StartedAt          time.Time

	// ExposeAdminKey enables GET /admin/key for trusted-network deployments.
	ExposeAdminKey bool
	// StrategyTuning lets smart-import adjust the concurrency cap.
	StrategyTuning bool
}

// MountRoutes registers all endpoints on the router.
func MountRoutes(r chi.Router, deps Dependencies) {
	a := &api{deps}

	r.Get("/health", a.handleHealth)
	r.Handle("/metrics", deps.Metrics.Handler())

	r.Post("/create_session", a.handleCreateSession)
	r.Get("/ws/{session_id}", a.handleWebSocket)

	r.Route("/access", func(r chi.Router) {
		r.Post("/request", a.handleAccessRequest)
		r.Post("/release/{session_id}", a.handleAccessRelease)
		r.Post("/heartbeat/{session_id}", a.handleHeartbeat)
		r.Get("/status", a.handleAccessStatus)
	})

	r.Get("/domains", a.handleDomains)
	r.Get("/cookies", a.handleGetCookies)
	r.Post("/cookies/domains", a.handleGetDomainCookies)

	r.Route("/admin", func(r chi.Router) {
		if deps.ExposeAdminKey {
			r.Get("/key", a.handleAdminKey)
		}
		r.Group(func(r chi.Router) {
			r.Use(a.adminOnly)
			r.Post("/cookies", a.handleAdminSetCookies)
			r.Delete("/cookies", a.handleAdminClearCookies)
			r.Post("/cookies/delete", a.handleAdminDeleteCookies)
			r.Post("/cookies/import", a.handleAdminImportCookies)
			r.Post("/cookies/smart-import", a.handleAdminSmartImport)
			r.Get("/server/info", a.handleServerInfo)
			r.Post("/server/config/max-clients", a.handleSetMaxClients)
			r.Post("/clients/{session_id}/kick", a.handleKickClient)
			r.Post("/clients/{session_id}/priority", a.handleSetPriority)
			r.Get("/clients/detailed", a.handleClientsDetailed)
			r.Get("/audit", a.handleAuditList)
		})
	})
}

type api struct {
	Dependencies
}
