// Package fanout delivers job updates to live connections and keeps a bounded
// history of recent updates per job and per user for poll-based recovery.
package fanout

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/charisma-jobs/internal/domain"
)

// ErrUnknownConnection is returned when an operation targets an unregistered connection
var ErrUnknownConnection = errors.New("connection not registered")

// ErrHubClosed is returned when registering on a closed hub
var ErrHubClosed = errors.New("fanout hub closed")

// Conn is a live client connection
type Conn interface {
	ID() string
	// Send queues an update without blocking; false means it was dropped
	Send(update domain.Update) bool
	Close()
}

// Forwarder relays locally published updates to other processes
type Forwarder interface {
	Forward(update domain.Update)
}

// Options configures a Hub
type Options struct {
	JobBufferSize  int
	UserBufferSize int
	// BufferTTL drops the history of jobs and users idle for longer than this
	BufferTTL time.Duration
	// Now is the clock used for timestamps, time.Now when nil
	Now func() time.Time
}

type registration struct {
	ownerID string
	conn    Conn
	admin   bool
}

// Hub is the update fan-out channel. Publish pushes to the owner's live
// connections and admin subscribers and appends to the ring buffers in one step,
// so polling clients observe the same history as connected ones.
type Hub struct {
	mu        sync.RWMutex
	opts      Options
	logger    *slog.Logger
	conns     map[string]*registration
	byOwner   map[string]map[string]Conn
	admins    map[string]Conn
	jobBuf    map[string]*ring
	userBuf   map[string]*ring
	last      time.Time
	forwarder Forwarder
	closed    bool
}

// NewHub creates a new Hub
func NewHub(opts Options, logger *slog.Logger) *Hub {
	if opts.JobBufferSize <= 0 {
		opts.JobBufferSize = 50
	}
	if opts.UserBufferSize <= 0 {
		opts.UserBufferSize = 200
	}
	if opts.BufferTTL <= 0 {
		opts.BufferTTL = time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Hub{
		opts:    opts,
		logger:  logger,
		conns:   make(map[string]*registration),
		byOwner: make(map[string]map[string]Conn),
		admins:  make(map[string]Conn),
		jobBuf:  make(map[string]*ring),
		userBuf: make(map[string]*ring),
	}
}

// SetForwarder attaches a cross-process relay
func (h *Hub) SetForwarder(f Forwarder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.forwarder = f
}

// Register associates a live connection with an owner. An owner may hold many connections.
func (h *Hub) Register(ownerID string, conn Conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHubClosed
	}

	id := conn.ID()
	if prev, ok := h.conns[id]; ok {
		h.removeLocked(id, prev)
	}

	h.conns[id] = &registration{ownerID: ownerID, conn: conn}
	owned, ok := h.byOwner[ownerID]
	if !ok {
		owned = make(map[string]Conn)
		h.byOwner[ownerID] = owned
	}
	owned[id] = conn

	h.logger.Debug("Connection registered",
		slog.String("connection_id", id),
		slog.String("owner_id", ownerID),
		slog.Int("owner_connections", len(owned)),
	)

	return nil
}

// Unregister removes a connection. Unknown ids are ignored.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	reg, ok := h.conns[connID]
	if !ok {
		return
	}
	h.removeLocked(connID, reg)

	h.logger.Debug("Connection unregistered",
		slog.String("connection_id", connID),
		slog.String("owner_id", reg.ownerID),
	)
}

func (h *Hub) removeLocked(connID string, reg *registration) {
	delete(h.conns, connID)
	delete(h.admins, connID)
	if owned, ok := h.byOwner[reg.ownerID]; ok {
		delete(owned, connID)
		if len(owned) == 0 {
			delete(h.byOwner, reg.ownerID)
		}
	}
}

// SubscribeAdmin makes a registered connection receive every owner's updates
func (h *Hub) SubscribeAdmin(connID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	reg, ok := h.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	reg.admin = true
	h.admins[connID] = reg.conn
	return nil
}

// Publish stamps the update, delivers it locally and forwards it to the relay.
// It returns the update as stored.
func (h *Hub) Publish(update domain.Update) domain.Update {
	update.Timestamp = time.Time{}
	stored, forwarder := h.deliver(update)
	if forwarder != nil {
		forwarder.Forward(stored)
	}
	return stored
}

// Deliver injects an update received from another process. It is pushed and
// buffered locally but never forwarded again.
func (h *Hub) Deliver(update domain.Update) domain.Update {
	stored, _ := h.deliver(update)
	return stored
}

func (h *Hub) deliver(update domain.Update) (domain.Update, Forwarder) {
	h.mu.Lock()
	defer h.mu.Unlock()

	update.Timestamp = h.stampLocked(update.Timestamp)

	h.bufferLocked(h.jobBuf, update.JobID, h.opts.JobBufferSize, update)
	h.bufferLocked(h.userBuf, update.OwnerID, h.opts.UserBufferSize, update)

	delivered := 0
	for id, conn := range h.byOwner[update.OwnerID] {
		if h.sendLocked(id, conn, update) {
			delivered++
		}
	}
	for id, conn := range h.admins {
		if reg := h.conns[id]; reg != nil && reg.ownerID == update.OwnerID {
			continue // already received it as owner
		}
		if h.sendLocked(id, conn, update) {
			delivered++
		}
	}

	h.logger.Debug("Update published",
		slog.String("job_id", update.JobID),
		slog.String("owner_id", update.OwnerID),
		slog.String("type", string(update.Type)),
		slog.Int("delivered", delivered),
	)

	return update, h.forwarder
}

func (h *Hub) sendLocked(id string, conn Conn, update domain.Update) bool {
	if conn.Send(update) {
		return true
	}
	h.logger.Warn("Dropped update for slow connection",
		slog.String("connection_id", id),
		slog.String("job_id", update.JobID),
	)
	return false
}

// stampLocked returns a timestamp strictly after every earlier one, so that
// polling with the last seen timestamp never skips an update
func (h *Hub) stampLocked(ts time.Time) time.Time {
	if ts.IsZero() {
		ts = h.opts.Now()
	}
	ts = ts.UTC()
	if !ts.After(h.last) {
		ts = h.last.Add(time.Nanosecond)
	}
	h.last = ts
	return ts
}

func (h *Hub) bufferLocked(buffers map[string]*ring, key string, capacity int, update domain.Update) {
	if key == "" {
		return
	}
	buf, ok := buffers[key]
	if !ok {
		buf = newRing(capacity)
		buffers[key] = buf
	}
	buf.push(update)
}

// PollJob returns buffered updates for a job newer than since, oldest first
func (h *Hub) PollJob(jobID string, since time.Time) []domain.Update {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if buf, ok := h.jobBuf[jobID]; ok {
		return buf.since(since)
	}
	return []domain.Update{}
}

// PollOwner returns buffered updates for all of an owner's jobs newer than since, oldest first
func (h *Hub) PollOwner(ownerID string, since time.Time) []domain.Update {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if buf, ok := h.userBuf[ownerID]; ok {
		return buf.since(since)
	}
	return []domain.Update{}
}

// ConnectionCount returns the number of live connections of an owner
func (h *Hub) ConnectionCount(ownerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byOwner[ownerID])
}

// PruneIdle drops buffers whose last update is older than cutoff
func (h *Hub) PruneIdle(cutoff time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	pruned := 0
	for _, buffers := range []map[string]*ring{h.jobBuf, h.userBuf} {
		for key, buf := range buffers {
			if buf.lastWrite.Before(cutoff) {
				delete(buffers, key)
				pruned++
			}
		}
	}
	return pruned
}

// Run prunes idle buffers until ctx is done
func (h *Hub) Run(ctx context.Context) {
	interval := h.opts.BufferTTL / 4
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := h.PruneIdle(h.opts.Now().Add(-h.opts.BufferTTL)); n > 0 {
				h.logger.Debug("Pruned idle update buffers", slog.Int("count", n))
			}
		}
	}
}

// Close disconnects every connection and rejects new registrations
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]Conn, 0, len(h.conns))
	for _, reg := range h.conns {
		conns = append(conns, reg.conn)
	}
	h.conns = make(map[string]*registration)
	h.byOwner = make(map[string]map[string]Conn)
	h.admins = make(map[string]Conn)
	h.closed = true
	h.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}

	h.logger.Info("Fanout hub closed", slog.Int("connections", len(conns)))
}
