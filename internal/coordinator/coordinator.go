// Package coordinator arbitrates which sessions may use the shared
// credentials. It enforces the concurrency cap, per-domain exclusivity, the
// priority queue, and inactivity timeouts.
package coordinator

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hibiki-ye/cookiebroker/internal/hub"
	"github.com/hibiki-ye/cookiebroker/internal/metrics"
	"github.com/hibiki-ye/cookiebroker/internal/store"
)

// Catalog answers whether cookies exist for a domain. Satisfied by the
// credential store.
type Catalog interface {
	HasDomain(domain string) bool
}

// Notifier delivers push messages to sessions. Satisfied by the hub.
type Notifier interface {
	Send(sessionID string, msg hub.Message) error
	Detach(sessionID string)
}

// ErrNotQueued is returned by SetPriority for sessions not waiting in the
// queue.
var ErrNotQueued = errors.New("session is not queued")

// Decision statuses returned by RequestAccess.
const (
	StatusAlreadyActive        = "already_active"
	StatusDirectGrant          = "direct_grant"
	StatusDirectGrantDomains   = "direct_grant_with_domains"
	StatusQueued               = "queued"
	StatusQueuedForDomains     = "queued_for_domains"
	StatusReallocationConflict = "reallocation_conflict"
)

// Queue and rejection reasons.
const (
	ReasonServerFull     = "server_full"
	ReasonDomainConflict = "domain_conflict"
	ReasonDomainMissing  = "domain_not_exists"
)

// Decision is the outcome of one access request.
type Decision struct {
	Granted          bool     `json:"granted"`
	Status           string   `json:"status"`
	Message          string   `json:"message,omitempty"`
	AllocatedDomains []string `json:"allocated_domains,omitempty"`
	Position         int      `json:"position,omitempty"`
	Reason           string   `json:"reason,omitempty"`
}

// PromotedClient names one session promoted out of the queue.
type PromotedClient struct {
	SessionID        string   `json:"session_id"`
	AllocatedDomains []string `json:"allocated_domains,omitempty"`
}

// ReleaseResult reports what a release changed.
type ReleaseResult struct {
	Released bool             `json:"released"`
	Promoted []PromotedClient `json:"promoted"`
}

// ActiveClient is one current holder, as reported by Status.
type ActiveClient struct {
	SessionID        string   `json:"session_id"`
	AllocatedDomains []string `json:"allocated_domains,omitempty"`
	UsageMinutes     float64  `json:"usage_minutes"`
	InactiveMinutes  float64  `json:"inactive_minutes"`
}

// QueuedClient is one waiting session, as reported by Status.
type QueuedClient struct {
	SessionID   string   `json:"session_id"`
	Position    int      `json:"position"`
	Priority    int      `json:"priority"`
	Domains     []string `json:"domains,omitempty"`
	WaitMinutes float64  `json:"wait_minutes"`
}

// StatusInfo is a point-in-time snapshot of coordinator state.
type StatusInfo struct {
	ActiveCount   int            `json:"active_count"`
	MaxConcurrent int            `json:"max_concurrent"`
	QueueLength   int            `json:"queue_length"`
	Active        []ActiveClient `json:"active"`
	Queue         []QueuedClient `json:"queue"`
}

type accessRecord struct {
	grantedAt    time.Time
	lastActivity time.Time
	domains      []string
}

type queueEntry struct {
	sessionID  string
	enqueuedAt time.Time
	priority   int
	domains    []string
}

// Options configures a Coordinator.
type Options struct {
	MaxConcurrent int
	MaxInactive   time.Duration
	// SaveMaxConcurrent persists a max-clients change. May be nil.
	SaveMaxConcurrent func(int) error
}

// Coordinator holds access state behind one mutex. Notifications are built
// under the lock and dispatched after it is released, so hub sends never
// happen while the coordinator is held.
type Coordinator struct {
	mu          sync.Mutex
	active      map[string]*accessRecord
	queue       []*queueEntry
	allocations map[string]string
	warned      map[string]bool

	maxConcurrent int
	maxInactive   time.Duration
	saveMax       func(int) error

	catalog  Catalog
	notifier Notifier
	metrics  *metrics.Registry

	now  func() time.Time
	stop chan struct{}
	done chan struct{}
}

func New(catalog Catalog, notifier Notifier, m *metrics.Registry, opts Options) *Coordinator {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	return &Coordinator{
		active:        make(map[string]*accessRecord),
		allocations:   make(map[string]string),
		warned:        make(map[string]bool),
		maxConcurrent: opts.MaxConcurrent,
		maxInactive:   opts.MaxInactive,
		saveMax:       opts.SaveMaxConcurrent,
		catalog:       catalog,
		notifier:      notifier,
		metrics:       m,
		now:           time.Now,
	}
}

// outbound is a notification built under the lock for later dispatch.
type outbound struct {
	sessionID string
	msg       hub.Message
	detach    bool
}

func (c *Coordinator) dispatch(msgs []outbound) {
	for _, o := range msgs {
		if err := c.notifier.Send(o.sessionID, o.msg); err != nil {
			slog.Debug("push delivery failed",
				slog.String("session_id", o.sessionID),
				slog.String("type", string(o.msg.Type)),
				slog.String("error", err.Error()))
		}
		c.metrics.ObserveNotification(string(o.msg.Type))
		if o.detach {
			c.notifier.Detach(o.sessionID)
		}
	}
}

// normalizeDomains lowercases, strips one leading dot, and dedupes while
// preserving first-seen order.
func normalizeDomains(domains []string) []string {
	if len(domains) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(domains))
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		n := store.NormalizeDomain(d)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

func sameDomainSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, d := range a {
		set[d] = true
	}
	for _, d := range b {
		if !set[d] {
			return false
		}
	}
	return true
}

// RequestAccess decides whether a session may use the credentials now.
// Domains may be empty, which requests whole-pool access gated only by the
// concurrency cap.
func (c *Coordinator) RequestAccess(sessionID string, priority int, domains []string) Decision {
	domains = normalizeDomains(domains)

	c.mu.Lock()
	decision, msgs := c.requestAccessLocked(sessionID, priority, domains)
	c.setOccupancyLocked()
	c.mu.Unlock()

	c.metrics.ObserveAccessRequest(decision.Status)
	c.dispatch(msgs)
	return decision
}

func (c *Coordinator) requestAccessLocked(sessionID string, priority int, domains []string) (Decision, []outbound) {
	now := c.now()

	if rec, ok := c.active[sessionID]; ok {
		// A domain-less re-request from an active session is a liveness
		// refresh, never a re-allocation; the session keeps its domains.
		if len(domains) == 0 || sameDomainSet(rec.domains, domains) {
			rec.lastActivity = now
			delete(c.warned, sessionID)
			return Decision{
				Granted:          true,
				Status:           StatusAlreadyActive,
				Message:          "access already granted",
				AllocatedDomains: rec.domains,
			}, nil
		}
		return c.reallocateLocked(sessionID, rec, domains)
	}

	if entry := c.findQueuedLocked(sessionID); entry != nil {
		entry.priority = priority
		entry.domains = domains
		c.sortQueueLocked()
		pos := c.positionLocked(sessionID)
		status := StatusQueued
		if len(domains) > 0 {
			status = StatusQueuedForDomains
		}
		return Decision{
			Status:   status,
			Message:  "already waiting",
			Position: pos,
			Reason:   c.denialReasonLocked(domains),
		}, nil
	}

	if reason := c.admissibleLocked(sessionID, domains); reason == "" {
		c.grantLocked(sessionID, domains, now)
		status := StatusDirectGrant
		if len(domains) > 0 {
			status = StatusDirectGrantDomains
		}
		slog.Info("access granted",
			slog.String("session_id", sessionID),
			slog.Any("domains", domains))
		return Decision{
			Granted:          true,
			Status:           status,
			Message:          "access granted",
			AllocatedDomains: domains,
		}, nil
	}

	entry := &queueEntry{
		sessionID:  sessionID,
		enqueuedAt: now,
		priority:   priority,
		domains:    domains,
	}
	c.queue = append(c.queue, entry)
	c.sortQueueLocked()
	pos := c.positionLocked(sessionID)
	status := StatusQueued
	if len(domains) > 0 {
		status = StatusQueuedForDomains
	}
	slog.Info("access queued",
		slog.String("session_id", sessionID),
		slog.Int("position", pos),
		slog.String("reason", c.denialReasonLocked(domains)))
	return Decision{
		Status:   status,
		Message:  "waiting for access",
		Position: pos,
		Reason:   c.denialReasonLocked(domains),
	}, nil
}

// reallocateLocked swaps an active session's domain set. The swap is all or
// nothing; on conflict the current allocation is untouched.
func (c *Coordinator) reallocateLocked(sessionID string, rec *accessRecord, domains []string) (Decision, []outbound) {
	for _, d := range domains {
		if !c.catalog.HasDomain(d) {
			return Decision{
				Status:  StatusReallocationConflict,
				Message: "no cookies stored for " + d,
				Reason:  ReasonDomainMissing,
			}, nil
		}
		if holder, taken := c.allocations[d]; taken && holder != sessionID {
			return Decision{
				Status:  StatusReallocationConflict,
				Message: d + " is allocated to another session",
				Reason:  ReasonDomainConflict,
			}, nil
		}
	}

	for _, d := range rec.domains {
		delete(c.allocations, d)
	}
	for _, d := range domains {
		c.allocations[d] = sessionID
	}
	rec.domains = domains
	rec.lastActivity = c.now()

	// Freed domains may unblock queued sessions.
	_, msgs := c.promoteLocked()
	return Decision{
		Granted:          true,
		Status:           StatusDirectGrantDomains,
		Message:          "allocation updated",
		AllocatedDomains: domains,
	}, msgs
}

// admissibleLocked returns "" when the session can be granted now, or the
// reason it cannot.
func (c *Coordinator) admissibleLocked(sessionID string, domains []string) string {
	if len(c.active) >= c.maxConcurrent {
		return ReasonServerFull
	}
	for _, d := range domains {
		if !c.catalog.HasDomain(d) {
			return ReasonDomainMissing
		}
		if holder, taken := c.allocations[d]; taken && holder != sessionID {
			return ReasonDomainConflict
		}
	}
	return ""
}

// denialReasonLocked explains why a queued session is still waiting.
func (c *Coordinator) denialReasonLocked(domains []string) string {
	for _, d := range domains {
		if !c.catalog.HasDomain(d) {
			return ReasonDomainMissing
		}
		if _, taken := c.allocations[d]; taken {
			return ReasonDomainConflict
		}
	}
	return ReasonServerFull
}

func (c *Coordinator) grantLocked(sessionID string, domains []string, now time.Time) {
	c.active[sessionID] = &accessRecord{
		grantedAt:    now,
		lastActivity: now,
		domains:      domains,
	}
	for _, d := range domains {
		c.allocations[d] = sessionID
	}
}

// Release gives up a session's access or queue slot and promotes waiters.
// Idempotent: releasing an unknown session reports Released false.
func (c *Coordinator) Release(sessionID, reason string) ReleaseResult {
	c.mu.Lock()
	result := ReleaseResult{Promoted: []PromotedClient{}}
	var msgs []outbound

	if rec, ok := c.active[sessionID]; ok {
		for _, d := range rec.domains {
			delete(c.allocations, d)
		}
		delete(c.active, sessionID)
		delete(c.warned, sessionID)
		result.Released = true
		slog.Info("access released",
			slog.String("session_id", sessionID),
			slog.String("reason", reason))
		result.Promoted, msgs = c.promoteLocked()
	} else if c.removeQueuedLocked(sessionID) {
		result.Released = true
	}
	c.setOccupancyLocked()
	c.mu.Unlock()

	c.dispatch(msgs)
	return result
}

// promoteLocked walks the queue in order and grants every admissible entry
// until the slots run out. Entries blocked on a domain are skipped, not
// removed.
func (c *Coordinator) promoteLocked() ([]PromotedClient, []outbound) {
	promoted := []PromotedClient{}
	var msgs []outbound
	now := c.now()

	kept := c.queue[:0]
	for i, entry := range c.queue {
		if len(c.active) >= c.maxConcurrent {
			kept = append(kept, c.queue[i:]...)
			break
		}
		if reason := c.admissibleLocked(entry.sessionID, entry.domains); reason != "" {
			kept = append(kept, entry)
			continue
		}
		c.grantLocked(entry.sessionID, entry.domains, now)
		promoted = append(promoted, PromotedClient{
			SessionID:        entry.sessionID,
			AllocatedDomains: entry.domains,
		})
		msgs = append(msgs, outbound{
			sessionID: entry.sessionID,
			msg: hub.Message{
				Type:             hub.TypeAccessGranted,
				Message:          "access granted",
				AllocatedDomains: entry.domains,
			},
		})
		slog.Info("promoted from queue", slog.String("session_id", entry.sessionID))
	}
	c.queue = kept

	if len(promoted) > 0 {
		for i, entry := range c.queue {
			msgs = append(msgs, outbound{
				sessionID: entry.sessionID,
				msg:       hub.Message{Type: hub.TypeQueuePosition, Position: i + 1},
			})
		}
	}
	return promoted, msgs
}

// Heartbeat refreshes the session's activity clock. Returns false for
// sessions that do not hold access.
func (c *Coordinator) Heartbeat(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.active[sessionID]
	if !ok {
		return false
	}
	rec.lastActivity = c.now()
	delete(c.warned, sessionID)
	return true
}

// Kick forcibly removes a session from access or the queue, pushes an
// access_revoked notice, and drops its push channel.
func (c *Coordinator) Kick(sessionID, reason string) bool {
	c.mu.Lock()
	found := false
	var msgs []outbound

	if rec, ok := c.active[sessionID]; ok {
		for _, d := range rec.domains {
			delete(c.allocations, d)
		}
		delete(c.active, sessionID)
		delete(c.warned, sessionID)
		found = true
		_, msgs = c.promoteLocked()
	} else if c.removeQueuedLocked(sessionID) {
		found = true
	}
	if found {
		msgs = append(msgs, outbound{
			sessionID: sessionID,
			msg:       hub.Message{Type: hub.TypeAccessRevoked, Reason: reason},
			detach:    true,
		})
		slog.Warn("session kicked",
			slog.String("session_id", sessionID),
			slog.String("reason", reason))
	}
	c.setOccupancyLocked()
	c.mu.Unlock()

	c.dispatch(msgs)
	return found
}

// SetMaxConcurrent changes the concurrency cap and promotes waiters when it
// grows. The new value is persisted through the save callback; a persistence
// failure keeps the in-memory change.
func (c *Coordinator) SetMaxConcurrent(n int) {
	c.mu.Lock()
	c.maxConcurrent = n
	_, msgs := c.promoteLocked()
	c.setOccupancyLocked()
	c.mu.Unlock()

	if c.saveMax != nil {
		if err := c.saveMax(n); err != nil {
			slog.Warn("could not persist max concurrent clients", slog.String("error", err.Error()))
		}
	}
	c.dispatch(msgs)
}

// SetPriority changes a queued session's priority and re-sorts the queue.
func (c *Coordinator) SetPriority(sessionID string, priority int) (oldPriority, newPosition int, err error) {
	c.mu.Lock()
	entry := c.findQueuedLocked(sessionID)
	if entry == nil {
		c.mu.Unlock()
		return 0, 0, ErrNotQueued
	}
	oldPriority = entry.priority
	entry.priority = priority
	c.sortQueueLocked()
	newPosition = c.positionLocked(sessionID)

	var msgs []outbound
	for i, e := range c.queue {
		msgs = append(msgs, outbound{
			sessionID: e.sessionID,
			msg:       hub.Message{Type: hub.TypeQueuePosition, Position: i + 1},
		})
	}
	c.mu.Unlock()

	c.dispatch(msgs)
	return oldPriority, newPosition, nil
}

// Reevaluate re-runs promotion. Called when stored domains change.
func (c *Coordinator) Reevaluate() {
	c.mu.Lock()
	_, msgs := c.promoteLocked()
	c.setOccupancyLocked()
	c.mu.Unlock()
	c.dispatch(msgs)
}

// Status reports occupancy, holders, and the waiting queue.
func (c *Coordinator) Status() StatusInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()

	info := StatusInfo{
		ActiveCount:   len(c.active),
		MaxConcurrent: c.maxConcurrent,
		QueueLength:   len(c.queue),
		Active:        []ActiveClient{},
		Queue:         []QueuedClient{},
	}
	for id, rec := range c.active {
		info.Active = append(info.Active, ActiveClient{
			SessionID:        id,
			AllocatedDomains: rec.domains,
			UsageMinutes:     now.Sub(rec.grantedAt).Minutes(),
			InactiveMinutes:  now.Sub(rec.lastActivity).Minutes(),
		})
	}
	sort.Slice(info.Active, func(i, j int) bool {
		return info.Active[i].SessionID < info.Active[j].SessionID
	})
	for i, entry := range c.queue {
		info.Queue = append(info.Queue, QueuedClient{
			SessionID:   entry.sessionID,
			Position:    i + 1,
			Priority:    entry.priority,
			Domains:     entry.domains,
			WaitMinutes: now.Sub(entry.enqueuedAt).Minutes(),
		})
	}
	return info
}

// MaxConcurrent returns the current cap.
func (c *Coordinator) MaxConcurrent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxConcurrent
}

// Allocations returns a copy of the domain ownership map.
func (c *Coordinator) Allocations() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.allocations))
	for d, id := range c.allocations {
		out[d] = id
	}
	return out
}

// ActiveDomains returns the domains held by an active session.
func (c *Coordinator) ActiveDomains(sessionID string) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.active[sessionID]
	if !ok {
		return nil, false
	}
	domains := make([]string, len(rec.domains))
	copy(domains, rec.domains)
	return domains, true
}

// IsActive reports whether the session currently holds access.
func (c *Coordinator) IsActive(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[sessionID]
	return ok
}

// Start launches the inactivity monitor. No-op when maxInactive is zero.
func (c *Coordinator) Start(interval time.Duration) {
	if c.maxInactive <= 0 || c.stop != nil {
		return
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.checkTimeouts()
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop halts the inactivity monitor.
func (c *Coordinator) Stop() {
	if c.stop == nil {
		return
	}
	close(c.stop)
	<-c.done
	c.stop = nil
	c.done = nil
}

// checkTimeouts revokes access from sessions past the inactivity limit and
// warns sessions approaching it.
func (c *Coordinator) checkTimeouts() {
	c.mu.Lock()
	now := c.now()
	var msgs []outbound

	var expired []string
	for id, rec := range c.active {
		idle := now.Sub(rec.lastActivity)
		if idle >= c.maxInactive {
			expired = append(expired, id)
			continue
		}
		remaining := c.maxInactive - idle
		if remaining <= time.Minute && !c.warned[id] {
			c.warned[id] = true
			msgs = append(msgs, outbound{
				sessionID: id,
				msg: hub.Message{
					Type:             hub.TypeTimeoutWarning,
					Message:          "access expires soon, send a heartbeat to keep it",
					SecondsRemaining: int(remaining.Seconds()),
				},
			})
		}
	}
	for _, id := range expired {
		rec := c.active[id]
		for _, d := range rec.domains {
			delete(c.allocations, d)
		}
		delete(c.active, id)
		delete(c.warned, id)
		msgs = append(msgs, outbound{
			sessionID: id,
			msg:       hub.Message{Type: hub.TypeAccessRevoked, Reason: "timeout"},
		})
		slog.Warn("access revoked for inactivity", slog.String("session_id", id))
	}
	if len(expired) > 0 {
		_, promoteMsgs := c.promoteLocked()
		msgs = append(msgs, promoteMsgs...)
	}
	c.setOccupancyLocked()
	c.mu.Unlock()

	c.dispatch(msgs)
}

func (c *Coordinator) findQueuedLocked(sessionID string) *queueEntry {
	for _, e := range c.queue {
		if e.sessionID == sessionID {
			return e
		}
	}
	return nil
}

func (c *Coordinator) removeQueuedLocked(sessionID string) bool {
	for i, e := range c.queue {
		if e.sessionID == sessionID {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (c *Coordinator) positionLocked(sessionID string) int {
	for i, e := range c.queue {
		if e.sessionID == sessionID {
			return i + 1
		}
	}
	return 0
}

// sortQueueLocked orders by priority, highest first. Ties keep arrival order.
func (c *Coordinator) sortQueueLocked() {
	sort.SliceStable(c.queue, func(i, j int) bool {
		if c.queue[i].priority != c.queue[j].priority {
			return c.queue[i].priority > c.queue[j].priority
		}
		return c.queue[i].enqueuedAt.Before(c.queue[j].enqueuedAt)
	})
}

func (c *Coordinator) setOccupancyLocked() {
	c.metrics.SetOccupancy(len(c.active), len(c.queue))
}
