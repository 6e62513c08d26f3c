package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hibiki-ye/cookiebroker/internal/auditlog"
	"github.com/hibiki-ye/cookiebroker/internal/coordinator"
	"github.com/hibiki-ye/cookiebroker/internal/hub"
	"github.com/hibiki-ye/cookiebroker/internal/logging"
	"github.com/hibiki-ye/cookiebroker/internal/metrics"
	"github.com/hibiki-ye/cookiebroker/internal/session"
	"github.com/hibiki-ye/cookiebroker/internal/store"
)

// testNotifier forwards store changes to workers and re-checks the queue,
// mirroring the production wiring.
type testNotifier struct {
	h *hub.Hub
	c *coordinator.Coordinator
}

func (n *testNotifier) CookiesUpdated(count int, loggedIn bool, at time.Time) {
	li := loggedIn
	n.h.Broadcast(hub.Message{Type: hub.TypeCookiesUpdated, Count: count, LoggedIn: &li})
	n.c.Reevaluate()
}

func (n *testNotifier) CookiesCleared(at time.Time) {
	n.h.Broadcast(hub.Message{Type: hub.TypeCookiesCleared})
}

type testEnv struct {
	srv  *httptest.Server
	deps Dependencies
}

func newTestEnv(t *testing.T, maxConcurrent int) *testEnv {
	t.Helper()
	return newTestEnvHeartbeat(t, maxConcurrent, 30)
}

func newTestEnvHeartbeat(t *testing.T, maxConcurrent, heartbeatSeconds int) *testEnv {
	t.Helper()

	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, st.Load())

	h := hub.New()
	reg := session.NewRegistry()
	coord := coordinator.New(st, h, nil, coordinator.Options{
		MaxConcurrent: maxConcurrent,
		MaxInactive:   10 * time.Minute,
	})
	st.SetNotifier(&testNotifier{h: h, c: coord})

	audit, err := auditlog.Open(t.TempDir() + "/audit.sqlite")
	require.NoError(t, err)
	t.Cleanup(func() { _ = audit.Close() })

	deps := Dependencies{
		Logger:             logging.Setup("error"),
		Store:              st,
		Registry:           reg,
		Coordinator:        coord,
		Hub:                h,
		Metrics:            metrics.New(),
		Audit:              audit,
		HeartbeatInterval:  heartbeatSeconds,
		MaxInactiveMinutes: 10,
		StartedAt:          time.Now(),
		ExposeAdminKey:     true,
		StrategyTuning:     true,
	}
	r := chi.NewRouter()
	MountRoutes(r, deps)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, deps: deps}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (e *testEnv) admin(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	return e.do(t, method, path, body, map[string]string{"X-Admin-Key": e.deps.Store.AdminKey()})
}

func (e *testEnv) createSession(t *testing.T) string {
	t.Helper()
	code, out := e.do(t, http.MethodPost, "/create_session", nil, nil)
	require.Equal(t, http.StatusOK, code)
	id, _ := out["session_id"].(string)
	require.NotEmpty(t, id)
	return id
}

func (e *testEnv) requestAccess(t *testing.T, sessionID string, priority int, domains []string) (int, map[string]any) {
	t.Helper()
	return e.do(t, http.MethodPost, "/access/request", map[string]any{
		"session_id": sessionID,
		"priority":   priority,
		"domains":    domains,
	}, nil)
}

func (e *testEnv) importCookies(t *testing.T, cookies []map[string]any) {
	t.Helper()
	code, _ := e.admin(t, http.MethodPost, "/admin/cookies/import", map[string]any{"cookies": cookies})
	require.Equal(t, http.StatusOK, code)
}

func testCookie(name, domain string) map[string]any {
	return map[string]any{"name": name, "value": "v-" + name, "domain": domain, "path": "/"}
}

func TestSessionLifecycleAndQueue(t *testing.T) {
	e := newTestEnv(t, 1)

	a := e.createSession(t)
	b := e.createSession(t)

	code, out := e.requestAccess(t, a, 0, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, out["granted"])
	assert.Equal(t, "direct_grant", out["status"])

	code, out = e.requestAccess(t, b, 0, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "queued", out["status"])
	assert.EqualValues(t, 1, out["position"])
	assert.Equal(t, "server_full", out["reason"])

	code, out = e.do(t, http.MethodPost, "/access/release/"+a, nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, out["released"])
	promoted, _ := out["promoted"].([]any)
	require.Len(t, promoted, 1)
	first, _ := promoted[0].(map[string]any)
	assert.Equal(t, b, first["session_id"])

	code, out = e.do(t, http.MethodGet, "/access/status", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, out["active_count"])
	assert.EqualValues(t, 0, out["queue_length"])
	assert.Contains(t, out, "queue_details")
	assert.Contains(t, out, "timestamp")
}

func TestAccessRequest_UnknownSession(t *testing.T) {
	e := newTestEnv(t, 1)
	code, _ := e.requestAccess(t, "no-such-session", 0, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = e.do(t, http.MethodPost, "/access/heartbeat/no-such-session", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = e.do(t, http.MethodPost, "/access/release/no-such-session", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestDomainAllocationFlow(t *testing.T) {
	e := newTestEnv(t, 5)
	e.importCookies(t, []map[string]any{
		testCookie("sid", "a.com"),
		testCookie("tok", "b.com"),
	})

	one := e.createSession(t)
	two := e.createSession(t)
	three := e.createSession(t)

	code, out := e.requestAccess(t, one, 0, []string{"a.com"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "direct_grant_with_domains", out["status"])

	// Free slots, but the domain is held.
	code, out = e.requestAccess(t, two, 0, []string{"a.com"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "queued_for_domains", out["status"])
	assert.Equal(t, "domain_conflict", out["reason"])

	code, out = e.requestAccess(t, three, 0, []string{"b.com"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, out["granted"])

	// The holder reads its domain, but not others.
	code, out = e.do(t, http.MethodPost, "/cookies/domains", map[string]any{
		"session_id": one,
		"domains":    []string{"a.com"},
	}, nil)
	require.Equal(t, http.StatusOK, code)
	cookies, _ := out["cookies"].([]any)
	require.Len(t, cookies, 1)

	code, _ = e.do(t, http.MethodPost, "/cookies/domains", map[string]any{
		"session_id": one,
		"domains":    []string{"b.com"},
	}, nil)
	assert.Equal(t, http.StatusForbidden, code)

	// /domains reflects ownership.
	code, out = e.do(t, http.MethodGet, "/domains", nil, nil)
	require.Equal(t, http.StatusOK, code)
	domains, _ := out["domains"].([]any)
	require.Len(t, domains, 2)
	byName := map[string]map[string]any{}
	for _, d := range domains {
		m, _ := d.(map[string]any)
		byName[m["domain"].(string)] = m
	}
	assert.Equal(t, false, byName["a.com"]["available"])
	assert.Equal(t, []any{one}, byName["a.com"]["allocated_to"])
	assert.Equal(t, true, byName["b.com"]["available"])
	assert.Equal(t, []any{}, byName["b.com"]["allocated_to"])
}

func TestReallocationConflictIs409(t *testing.T) {
	e := newTestEnv(t, 5)
	e.importCookies(t, []map[string]any{
		testCookie("sid", "a.com"),
		testCookie("tok", "b.com"),
	})

	one := e.createSession(t)
	two := e.createSession(t)
	require.Equal(t, http.StatusOK, mustCode(e.requestAccess(t, one, 0, []string{"a.com"})))
	require.Equal(t, http.StatusOK, mustCode(e.requestAccess(t, two, 0, []string{"b.com"})))

	code, out := e.requestAccess(t, one, 0, []string{"b.com"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "reallocation_conflict", out["status"])
}

func mustCode(code int, _ map[string]any) int { return code }

func TestQueuedDomainRequestUnblocksOnImport(t *testing.T) {
	e := newTestEnv(t, 2)

	a := e.createSession(t)
	code, out := e.requestAccess(t, a, 0, []string{"new.com"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "queued_for_domains", out["status"])
	assert.Equal(t, "domain_not_exists", out["reason"])

	// Importing cookies for the missing domain promotes the waiter.
	e.importCookies(t, []map[string]any{testCookie("sid", "new.com")})

	code, out = e.do(t, http.MethodGet, "/access/status", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, out["active_count"])
	assert.EqualValues(t, 0, out["queue_length"])
}

func TestGetCookiesIsUngated(t *testing.T) {
	e := newTestEnv(t, 1)
	e.importCookies(t, []map[string]any{testCookie("auth", "a.com")})

	// Operator tooling reads the pool with no session at all.
	code, out := e.do(t, http.MethodGet, "/cookies", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, out["count"])
	assert.Equal(t, true, out["logged_in"])

	// A session id is accepted but not required, and grants are not checked.
	s := e.createSession(t)
	code, out = e.do(t, http.MethodGet, "/cookies?session_id="+s, nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, out["count"])
}

func TestAdminAuth(t *testing.T) {
	e := newTestEnv(t, 1)

	code, _ := e.do(t, http.MethodGet, "/admin/server/info", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = e.do(t, http.MethodGet, "/admin/server/info", nil,
		map[string]string{"X-Admin-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, out := e.admin(t, http.MethodGet, "/admin/server/info", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, out["max_concurrent"])
	assert.Contains(t, out, "total_cookies")
	assert.Contains(t, out, "uptime_seconds")
}

func TestAdminCookieMutations(t *testing.T) {
	e := newTestEnv(t, 1)

	code, out := e.admin(t, http.MethodPost, "/admin/cookies", map[string]any{
		"cookies":       []map[string]any{testCookie("sid", "a.com"), testCookie("x", "b.com")},
		"force_replace": true,
	})
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, out["total_cookies"])

	// Merge keeps the pool and adds.
	code, out = e.admin(t, http.MethodPost, "/admin/cookies", map[string]any{
		"cookies": []map[string]any{testCookie("y", "c.com")},
	})
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, out["added"])
	assert.EqualValues(t, 3, out["total_cookies"])

	// Selective delete.
	code, out = e.admin(t, http.MethodPost, "/admin/cookies/delete", map[string]any{
		"cookies_to_delete": []map[string]any{
			{"name": "x", "domain": "b.com", "path": "/"},
		},
	})
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, out["deleted"])
	assert.EqualValues(t, 2, out["remaining"])

	// Malformed cookies are rejected whole.
	code, _ = e.admin(t, http.MethodPost, "/admin/cookies/import", map[string]any{
		"cookies": []map[string]any{{"name": "", "value": "v"}},
	})
	assert.Equal(t, http.StatusBadRequest, code)

	code, out = e.admin(t, http.MethodDelete, "/admin/cookies", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, out["removed"])

	// The audit trail saw every mutation.
	code, out = e.admin(t, http.MethodGet, "/admin/audit", nil)
	require.Equal(t, http.StatusOK, code)
	entries, _ := out["entries"].([]any)
	assert.GreaterOrEqual(t, len(entries), 4)
}

func TestAdminSmartImport(t *testing.T) {
	e := newTestEnv(t, 1)

	code, out := e.admin(t, http.MethodPost, "/admin/cookies/smart-import", map[string]any{
		"cookies_by_domain": map[string]any{
			"a.com": []map[string]any{{"name": "sid", "value": "v", "path": "/"}},
			"b.com": []map[string]any{testCookie("tok", "b.com")},
		},
		"analysis": map[string]any{"sharing_potential": "high"},
	})
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, out["added"])
	assert.Equal(t, true, out["strategy_applied"])

	// The group key filled in the missing domain.
	assert.True(t, e.deps.Store.HasDomain("a.com"))
	assert.Equal(t, 2, e.deps.Coordinator.MaxConcurrent())

	// Low sharing potential shrinks back to one.
	code, _ = e.admin(t, http.MethodPost, "/admin/cookies/smart-import", map[string]any{
		"cookies_by_domain": map[string]any{
			"a.com": []map[string]any{testCookie("sid2", "a.com")},
		},
		"strategy": "none",
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, e.deps.Coordinator.MaxConcurrent())
}

func TestAdminMaxClientsValidation(t *testing.T) {
	e := newTestEnv(t, 1)

	for _, bad := range []int{0, -1, 11} {
		code, _ := e.admin(t, http.MethodPost, "/admin/server/config/max-clients",
			map[string]any{"max_clients": bad})
		assert.Equal(t, http.StatusBadRequest, code)
	}

	code, out := e.admin(t, http.MethodPost, "/admin/server/config/max-clients",
		map[string]any{"max_clients": 3})
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 3, out["max_clients"])
}

func TestAdminKickAndPriority(t *testing.T) {
	e := newTestEnv(t, 1)

	a := e.createSession(t)
	b := e.createSession(t)
	c := e.createSession(t)
	require.Equal(t, http.StatusOK, mustCode(e.requestAccess(t, a, 0, nil)))
	e.requestAccess(t, b, 0, nil)
	e.requestAccess(t, c, 0, nil)

	// Priority on an active session is a 404.
	code, _ := e.admin(t, http.MethodPost, "/admin/clients/"+a+"/priority",
		map[string]any{"priority": 5})
	assert.Equal(t, http.StatusNotFound, code)

	code, out := e.admin(t, http.MethodPost, "/admin/clients/"+c+"/priority",
		map[string]any{"priority": 5})
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, out["new_position"])

	// Kicking the holder promotes the head of the queue, now c.
	code, _ = e.admin(t, http.MethodPost, "/admin/clients/"+a+"/kick",
		map[string]any{"reason": "maintenance"})
	require.Equal(t, http.StatusOK, code)
	assert.True(t, e.deps.Coordinator.IsActive(c))

	code, _ = e.admin(t, http.MethodPost, "/admin/clients/ghost/kick", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAdminClientsDetailed(t *testing.T) {
	e := newTestEnv(t, 1)
	a := e.createSession(t)
	b := e.createSession(t)
	require.Equal(t, http.StatusOK, mustCode(e.requestAccess(t, a, 0, nil)))
	e.requestAccess(t, b, 2, nil)

	code, out := e.admin(t, http.MethodGet, "/admin/clients/detailed", nil)
	require.Equal(t, http.StatusOK, code)
	clients, _ := out["clients"].([]any)
	require.Len(t, clients, 2)

	first, _ := clients[0].(map[string]any)
	assert.Equal(t, "active", first["state"])
	assert.EqualValues(t, 999, first["priority"])
	assert.EqualValues(t, 0, first["position"])

	second, _ := clients[1].(map[string]any)
	assert.Equal(t, "queued", second["state"])
	assert.EqualValues(t, 2, second["priority"])
	assert.EqualValues(t, 1, second["position"])
}

func TestAdminKeyExposure(t *testing.T) {
	e := newTestEnv(t, 1)
	code, out := e.do(t, http.MethodGet, "/admin/key", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, e.deps.Store.AdminKey(), out["admin_key"])
}

func wsURL(srv *httptest.Server, sessionID string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + sessionID
}

func TestWebSocketPushAndHeartbeat(t *testing.T) {
	e := newTestEnv(t, 1)

	a := e.createSession(t)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(e.srv, a), nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.Equal(t, http.StatusOK, mustCode(e.requestAccess(t, a, 0, nil)))

	// A cookie import is pushed to the connected worker.
	e.importCookies(t, []map[string]any{testCookie("sid", "a.com")})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg hub.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, hub.TypeCookiesUpdated, msg.Type)
	assert.Equal(t, 1, msg.Count)

	// A kick is pushed and the server closes the connection.
	code, _ := e.admin(t, http.MethodPost, "/admin/clients/"+a+"/kick", nil)
	require.Equal(t, http.StatusOK, code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, hub.TypeAccessRevoked, msg.Type)

	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestWebSocket_UnknownSessionIs404(t *testing.T) {
	e := newTestEnv(t, 1)
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(e.srv, "nope"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocket_SecondConnectionRejected(t *testing.T) {
	e := newTestEnv(t, 1)
	a := e.createSession(t)

	first, _, err := websocket.DefaultDialer.Dial(wsURL(e.srv, a), nil)
	require.NoError(t, err)
	defer func() { _ = first.Close() }()

	second, _, err := websocket.DefaultDialer.Dial(wsURL(e.srv, a), nil)
	require.NoError(t, err)
	defer func() { _ = second.Close() }()

	// The server closes the duplicate immediately.
	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = second.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}

func TestWebSocketDisconnectReleasesAccess(t *testing.T) {
	e := newTestEnv(t, 1)

	a := e.createSession(t)
	b := e.createSession(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(e.srv, a), nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, mustCode(e.requestAccess(t, a, 0, nil)))
	e.requestAccess(t, b, 0, nil)

	require.NoError(t, conn.Close())

	// The holder's disconnect frees the slot for the waiter.
	require.Eventually(t, func() bool {
		return e.deps.Coordinator.IsActive(b)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestWSReadTimeout(t *testing.T) {
	assert.Equal(t, 90*time.Second, wsReadTimeout(30))
	assert.Equal(t, 3*time.Second, wsReadTimeout(1))
	assert.Equal(t, 90*time.Second, wsReadTimeout(0))
}

func TestWebSocketSilentPeerIsReaped(t *testing.T) {
	e := newTestEnvHeartbeat(t, 1, 1) // read deadline of 3 seconds

	a := e.createSession(t)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(e.srv, a), nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	require.Equal(t, http.StatusOK, mustCode(e.requestAccess(t, a, 0, nil)))

	// Send nothing: missed heartbeats expire the read deadline, the grant is
	// released, and the channel slot is freed.
	require.Eventually(t, func() bool {
		return !e.deps.Coordinator.IsActive(a)
	}, 10*time.Second, 100*time.Millisecond)

	// The same session can reconnect instead of hitting ChannelInUse.
	again, _, err := websocket.DefaultDialer.Dial(wsURL(e.srv, a), nil)
	require.NoError(t, err)
	require.NoError(t, again.Close())
}
