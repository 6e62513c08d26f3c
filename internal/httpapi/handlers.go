package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hibiki-ye/cookiebroker/internal/coordinator"
	"github.com/hibiki-ye/cookiebroker/internal/store"
)

func (a *api) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(a.StartedAt).Seconds()),
	})
}

func (a *api) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	s := a.Registry.Create(clientIP(r))
	a.Logger.Info("session created",
		"session_id", s.ID,
		"remote_addr", s.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":           s.ID,
		"heartbeat_interval":   a.HeartbeatInterval,
		"max_inactive_minutes": a.MaxInactiveMinutes,
	})
}

type accessRequestBody struct {
	SessionID string   `json:"session_id"`
	Priority  int      `json:"priority"`
	Domains   []string `json:"domains"`
}

func (a *api) handleAccessRequest(w http.ResponseWriter, r *http.Request) {
	var body accessRequestBody
	if !decodeBody(w, r, &body) {
		return
	}
	if body.SessionID == "" {
		jsonError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if _, ok := a.Registry.Get(body.SessionID); !ok {
		jsonError(w, http.StatusNotFound, "unknown session")
		return
	}
	a.Registry.Touch(body.SessionID)

	decision := a.Coordinator.RequestAccess(body.SessionID, body.Priority, body.Domains)
	status := http.StatusOK
	if decision.Status == coordinator.StatusReallocationConflict {
		status = http.StatusConflict
	}
	writeJSON(w, status, decision)
}

func (a *api) handleAccessRelease(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	if _, ok := a.Registry.Get(id); !ok {
		jsonError(w, http.StatusNotFound, "unknown session")
		return
	}
	result := a.Coordinator.Release(id, "client_request")
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"released": result.Released,
		"promoted": result.Promoted,
	})
}

func (a *api) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	if _, ok := a.Registry.Get(id); !ok {
		jsonError(w, http.StatusNotFound, "unknown session")
		return
	}
	a.Registry.Touch(id)
	updated := a.Coordinator.Heartbeat(id)
	writeJSON(w, http.StatusOK, map[string]any{"updated": updated})
}

func (a *api) handleAccessStatus(w http.ResponseWriter, r *http.Request) {
	st := a.Coordinator.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"active_count":   st.ActiveCount,
		"max_concurrent": st.MaxConcurrent,
		"queue_length":   st.QueueLength,
		"active_clients": st.Active,
		"queue_details":  st.Queue,
		"timestamp":      time.Now().Format(time.RFC3339Nano),
	})
}

func (a *api) handleDomains(w http.ResponseWriter, r *http.Request) {
	allocations := a.Coordinator.Allocations()
	infos := a.Store.Domains()

	type domainInfo struct {
		Domain      string   `json:"domain"`
		CookieCount int      `json:"cookie_count"`
		Available   bool     `json:"available"`
		AllocatedTo []string `json:"allocated_to"`
	}
	out := make([]domainInfo, 0, len(infos))
	for _, info := range infos {
		holders := []string{}
		if holder := allocations[info.Domain]; holder != "" {
			holders = append(holders, holder)
		}
		out = append(out, domainInfo{
			Domain:      info.Domain,
			CookieCount: info.CookieCount,
			Available:   len(holders) == 0,
			AllocatedTo: holders,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"domains": out})
}

// cookiePayload is the shape handed to authorized workers.
func cookiePayload(cookies []store.Cookie, loggedIn bool, lastUpdated time.Time) map[string]any {
	var updated any
	if !lastUpdated.IsZero() {
		updated = lastUpdated.Format(time.RFC3339Nano)
	}
	return map[string]any{
		"cookies":      cookies,
		"count":        len(cookies),
		"logged_in":    loggedIn,
		"last_updated": updated,
	}
}

// handleGetCookies serves the whole pool. Operator tooling reads it without a
// session; per-domain exclusivity is enforced on the scoped endpoint only.
func (a *api) handleGetCookies(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("session_id"); id != "" {
		a.Registry.Touch(id)
	}
	snap := a.Store.Snapshot()
	writeJSON(w, http.StatusOK, cookiePayload(snap.Cookies, snap.LoggedIn, snap.LastUpdated))
}

type domainCookiesBody struct {
	SessionID string   `json:"session_id"`
	Domains   []string `json:"domains"`
}

func (a *api) handleGetDomainCookies(w http.ResponseWriter, r *http.Request) {
	var body domainCookiesBody
	if !decodeBody(w, r, &body) {
		return
	}
	if body.SessionID == "" || len(body.Domains) == 0 {
		jsonError(w, http.StatusBadRequest, "session_id and domains are required")
		return
	}
	if _, ok := a.Registry.Get(body.SessionID); !ok {
		jsonError(w, http.StatusNotFound, "unknown session")
		return
	}
	allocated, active := a.Coordinator.ActiveDomains(body.SessionID)
	if !active {
		jsonError(w, http.StatusForbidden, "session does not hold access")
		return
	}
	// Domain-scoped holders may only read the domains they were allocated.
	// Whole-pool holders may read anything.
	if len(allocated) > 0 {
		held := make(map[string]bool, len(allocated))
		for _, d := range allocated {
			held[d] = true
		}
		for _, d := range body.Domains {
			if !held[store.NormalizeDomain(d)] {
				jsonError(w, http.StatusForbidden, "domain not allocated to session: "+d)
				return
			}
		}
	}
	a.Registry.Touch(body.SessionID)

	snap := a.Store.Snapshot()
	writeJSON(w, http.StatusOK, cookiePayload(a.Store.ForDomains(body.Domains), snap.LoggedIn, snap.LastUpdated))
}

func (a *api) handleAdminKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"admin_key": a.Store.AdminKey()})
}
