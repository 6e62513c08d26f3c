package httpapi

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hibiki-ye/cookiebroker/internal/auditlog"
	"github.com/hibiki-ye/cookiebroker/internal/coordinator"
	"github.com/hibiki-ye/cookiebroker/internal/store"
)

// adminOnly rejects requests whose X-Admin-Key header does not match the
// broker's key. Comparison is constant-time.
func (a *api) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Admin-Key")
		want := a.Store.AdminKey()
		if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(want)) != 1 {
			jsonError(w, http.StatusUnauthorized, "invalid admin key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type setCookiesBody struct {
	Cookies      []store.Cookie `json:"cookies"`
	ForceReplace bool           `json:"force_replace"`
	LoggedIn     *bool          `json:"logged_in"`
}

func (a *api) handleAdminSetCookies(w http.ResponseWriter, r *http.Request) {
	var body setCookiesBody
	if !decodeBody(w, r, &body) {
		return
	}

	if body.ForceReplace {
		if err := a.Store.Replace(body.Cookies, body.LoggedIn); err != nil {
			jsonError(w, http.StatusBadRequest, err.Error())
			return
		}
		a.audit(r.Context(), "cookies_replace", "cookies",
			fmt.Sprintf("count=%d", len(body.Cookies)))
		writeJSON(w, http.StatusOK, map[string]any{
			"success":       true,
			"total_cookies": a.Store.Snapshot().Count,
		})
		return
	}

	added, replaced, err := a.Store.Merge(body.Cookies, body.LoggedIn)
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	a.audit(r.Context(), "cookies_merge", "cookies",
		fmt.Sprintf("added=%d replaced=%d", added, replaced))
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"added":         added,
		"replaced":      replaced,
		"total_cookies": a.Store.Snapshot().Count,
	})
}

func (a *api) handleAdminClearCookies(w http.ResponseWriter, r *http.Request) {
	removed := a.Store.Clear()
	a.audit(r.Context(), "cookies_clear", "cookies", fmt.Sprintf("removed=%d", removed))
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"removed": removed,
	})
}

type deleteCookiesBody struct {
	CookiesToDelete []store.Key `json:"cookies_to_delete"`
}

func (a *api) handleAdminDeleteCookies(w http.ResponseWriter, r *http.Request) {
	var body deleteCookiesBody
	if !decodeBody(w, r, &body) {
		return
	}
	if len(body.CookiesToDelete) == 0 {
		jsonError(w, http.StatusBadRequest, "cookies_to_delete is required")
		return
	}
	deleted, remaining := a.Store.Delete(body.CookiesToDelete)
	a.audit(r.Context(), "cookies_delete", "cookies",
		fmt.Sprintf("deleted=%d remaining=%d", deleted, remaining))
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"deleted":   deleted,
		"remaining": remaining,
	})
}

type importCookiesBody struct {
	Cookies  []store.Cookie `json:"cookies"`
	LoggedIn *bool          `json:"logged_in"`
}

func (a *api) handleAdminImportCookies(w http.ResponseWriter, r *http.Request) {
	var body importCookiesBody
	if !decodeBody(w, r, &body) {
		return
	}
	if len(body.Cookies) == 0 {
		jsonError(w, http.StatusBadRequest, "cookies is required")
		return
	}
	added, replaced, err := a.Store.Merge(body.Cookies, body.LoggedIn)
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	a.audit(r.Context(), "cookies_import", "cookies",
		fmt.Sprintf("added=%d replaced=%d", added, replaced))
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"added":         added,
		"replaced":      replaced,
		"total_cookies": a.Store.Snapshot().Count,
	})
}

type smartImportBody struct {
	CookiesByDomain map[string][]store.Cookie `json:"cookies_by_domain"`
	Analysis        struct {
		SharingPotential string `json:"sharing_potential"`
	} `json:"analysis"`
	Strategy string `json:"strategy"`
}

// handleAdminSmartImport ingests cookies grouped by domain, as produced by
// browser-side export tooling. Cookies missing a domain inherit their group
// key. With strategy tuning enabled the sharing analysis can grow or shrink
// the concurrency cap.
func (a *api) handleAdminSmartImport(w http.ResponseWriter, r *http.Request) {
	var body smartImportBody
	if !decodeBody(w, r, &body) {
		return
	}
	if len(body.CookiesByDomain) == 0 {
		jsonError(w, http.StatusBadRequest, "cookies_by_domain is required")
		return
	}

	groups := make([]string, 0, len(body.CookiesByDomain))
	for domain := range body.CookiesByDomain {
		groups = append(groups, domain)
	}
	sort.Strings(groups)

	var flat []store.Cookie
	for _, domain := range groups {
		for _, c := range body.CookiesByDomain[domain] {
			if c.Domain == "" {
				c.Domain = domain
			}
			flat = append(flat, c)
		}
	}

	loggedIn := true
	added, replaced, err := a.Store.Merge(flat, &loggedIn)
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}

	potential := body.Strategy
	if potential == "" {
		potential = body.Analysis.SharingPotential
	}
	tuned := false
	if a.StrategyTuning {
		switch potential {
		case "high":
			if cur := a.Coordinator.MaxConcurrent(); cur < 5 {
				a.Coordinator.SetMaxConcurrent(cur + 1)
				tuned = true
			}
		case "none":
			if a.Coordinator.MaxConcurrent() != 1 {
				a.Coordinator.SetMaxConcurrent(1)
				tuned = true
			}
		}
	}

	a.audit(r.Context(), "cookies_smart_import", "cookies",
		fmt.Sprintf("domains=%d added=%d replaced=%d potential=%s tuned=%t",
			len(groups), added, replaced, potential, tuned))
	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"added":            added,
		"replaced":         replaced,
		"total_cookies":    a.Store.Snapshot().Count,
		"domains":          groups,
		"strategy_applied": tuned,
	})
}

func (a *api) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	st := a.Coordinator.Status()
	snap := a.Store.Snapshot()

	var lastUpdated any
	if !snap.LastUpdated.IsZero() {
		lastUpdated = snap.LastUpdated.Format(time.RFC3339Nano)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active_clients":       st.ActiveCount,
		"max_concurrent":       st.MaxConcurrent,
		"queue_length":         st.QueueLength,
		"total_cookies":        snap.Count,
		"logged_in":            snap.LoggedIn,
		"last_updated":         lastUpdated,
		"available_domains":    len(a.Store.Domains()),
		"known_sessions":       a.Registry.Count(),
		"heartbeat_interval":   a.HeartbeatInterval,
		"max_inactive_minutes": a.MaxInactiveMinutes,
		"uptime_seconds":       int(time.Since(a.StartedAt).Seconds()),
	})
}

type maxClientsBody struct {
	MaxClients int `json:"max_clients"`
}

func (a *api) handleSetMaxClients(w http.ResponseWriter, r *http.Request) {
	var body maxClientsBody
	if !decodeBody(w, r, &body) {
		return
	}
	if body.MaxClients < 1 || body.MaxClients > 10 {
		jsonError(w, http.StatusBadRequest, "max_clients must be between 1 and 10")
		return
	}
	a.Coordinator.SetMaxConcurrent(body.MaxClients)
	a.audit(r.Context(), "max_clients_change", "server",
		fmt.Sprintf("max_clients=%d", body.MaxClients))
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"max_clients": body.MaxClients,
	})
}

type kickBody struct {
	Reason string `json:"reason"`
}

func (a *api) handleKickClient(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	var body kickBody
	// The body is optional.
	_ = decodeOptional(r, &body)
	reason := body.Reason
	if reason == "" {
		reason = "admin_kick"
	}
	if !a.Coordinator.Kick(id, reason) {
		jsonError(w, http.StatusNotFound, "session is neither active nor queued")
		return
	}
	a.audit(r.Context(), "client_kick", id, "reason="+reason)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type priorityBody struct {
	Priority int `json:"priority"`
}

func (a *api) handleSetPriority(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	var body priorityBody
	if !decodeBody(w, r, &body) {
		return
	}
	old, pos, err := a.Coordinator.SetPriority(id, body.Priority)
	if errors.Is(err, coordinator.ErrNotQueued) {
		jsonError(w, http.StatusNotFound, "session is not queued")
		return
	}
	a.audit(r.Context(), "priority_change", id,
		fmt.Sprintf("old=%d new=%d position=%d", old, body.Priority, pos))
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"old_priority": old,
		"new_priority": body.Priority,
		"new_position": pos,
	})
}

// detailedClient merges coordinator and registry views of one session.
type detailedClient struct {
	SessionID        string   `json:"session_id"`
	State            string   `json:"state"`
	Priority         int      `json:"priority"`
	Position         int      `json:"position"`
	AllocatedDomains []string `json:"allocated_domains,omitempty"`
	Domains          []string `json:"domains,omitempty"`
	UsageMinutes     float64  `json:"usage_minutes,omitempty"`
	InactiveMinutes  float64  `json:"inactive_minutes,omitempty"`
	WaitMinutes      float64  `json:"wait_minutes,omitempty"`
	RemoteAddr       string   `json:"remote_addr,omitempty"`
	Connected        bool     `json:"connected"`
}

func (a *api) handleClientsDetailed(w http.ResponseWriter, r *http.Request) {
	st := a.Coordinator.Status()
	clients := make([]detailedClient, 0, len(st.Active)+len(st.Queue))

	for _, ac := range st.Active {
		c := detailedClient{
			SessionID:        ac.SessionID,
			State:            "active",
			Priority:         999,
			Position:         0,
			AllocatedDomains: ac.AllocatedDomains,
			UsageMinutes:     ac.UsageMinutes,
			InactiveMinutes:  ac.InactiveMinutes,
			Connected:        a.Hub.Connected(ac.SessionID),
		}
		if s, ok := a.Registry.Get(ac.SessionID); ok {
			c.RemoteAddr = s.RemoteAddr
		}
		clients = append(clients, c)
	}
	for _, qc := range st.Queue {
		c := detailedClient{
			SessionID:   qc.SessionID,
			State:       "queued",
			Priority:    qc.Priority,
			Position:    qc.Position,
			Domains:     qc.Domains,
			WaitMinutes: qc.WaitMinutes,
			Connected:   a.Hub.Connected(qc.SessionID),
		}
		if s, ok := a.Registry.Get(qc.SessionID); ok {
			c.RemoteAddr = s.RemoteAddr
		}
		clients = append(clients, c)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"clients":   clients,
		"timestamp": time.Now().Format(time.RFC3339Nano),
	})
}

func (a *api) handleAuditList(w http.ResponseWriter, r *http.Request) {
	if a.Audit == nil {
		jsonError(w, http.StatusNotFound, "audit log disabled")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	entries, err := a.Audit.List(r.Context(), limit, offset)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, "audit read failed")
		return
	}
	if entries == nil {
		entries = []auditlog.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
