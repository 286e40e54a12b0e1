// Package metrics provides lightweight, lock-free counters and gauges
// for an agent or a launcher run.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Collector tracks runtime metrics.
// A nil Collector is safe to use; every method is then a no-op.
type Collector struct {
	sessionsActive  atomic.Int64
	sessionsTotal   atomic.Int64
	workersSpawned  atomic.Int64
	clientToWorker  atomic.Int64
	workerToClient  atomic.Int64
	outOfBand       atomic.Int64
	resourcesServed atomic.Int64
	resourceBytes   atomic.Int64
	errorsTotal     atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Session metrics ──────────────────────────────────────────────────

// SessionOpened increments both the active and total counters.
func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.sessionsActive.Add(1)
	c.sessionsTotal.Add(1)
}

// SessionClosed decrements the active session counter.
func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.sessionsActive.Add(-1)
}

// ActiveSessions returns the current number of live sessions.
func (c *Collector) ActiveSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsActive.Load()
}

// TotalSessions returns the lifetime session count.
func (c *Collector) TotalSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsTotal.Load()
}

// WorkerSpawned records a started worker process.
func (c *Collector) WorkerSpawned() {
	if c == nil {
		return
	}
	c.workersSpawned.Add(1)
}

// WorkersSpawned returns the number of worker processes started.
func (c *Collector) WorkersSpawned() int64 {
	if c == nil {
		return 0
	}
	return c.workersSpawned.Load()
}

// ── Relay metrics ────────────────────────────────────────────────────

// ClientToWorker records n bytes relayed from a launcher to its worker.
func (c *Collector) ClientToWorker(n int) {
	if c == nil {
		return
	}
	c.clientToWorker.Add(int64(n))
}

// WorkerToClient records n bytes relayed from a worker to its launcher.
func (c *Collector) WorkerToClient(n int) {
	if c == nil {
		return
	}
	c.workerToClient.Add(int64(n))
}

// OutOfBand records n bytes of worker console output sent as S0 records.
func (c *Collector) OutOfBand(n int) {
	if c == nil {
		return
	}
	c.outOfBand.Add(int64(n))
}

// TotalClientToWorker returns the bytes relayed towards workers.
func (c *Collector) TotalClientToWorker() int64 {
	if c == nil {
		return 0
	}
	return c.clientToWorker.Load()
}

// TotalWorkerToClient returns the bytes relayed towards launchers.
func (c *Collector) TotalWorkerToClient() int64 {
	if c == nil {
		return 0
	}
	return c.workerToClient.Load()
}

// TotalOutOfBand returns the console output bytes forwarded.
func (c *Collector) TotalOutOfBand() int64 {
	if c == nil {
		return 0
	}
	return c.outOfBand.Load()
}

// ── Resource metrics ─────────────────────────────────────────────────

// ResourceServed records one R! answer of n body bytes.
func (c *Collector) ResourceServed(n int64) {
	if c == nil {
		return
	}
	c.resourcesServed.Add(1)
	c.resourceBytes.Add(n)
}

// ResourcesServed returns the number of resources answered.
func (c *Collector) ResourcesServed() int64 {
	if c == nil {
		return 0
	}
	return c.resourcesServed.Load()
}

// ── Error metrics ────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime          string `json:"uptime"`
	SessionsActive  int64  `json:"sessions_active"`
	SessionsTotal   int64  `json:"sessions_total"`
	WorkersSpawned  int64  `json:"workers_spawned"`
	ClientToWorker  int64  `json:"bytes_client_to_worker"`
	WorkerToClient  int64  `json:"bytes_worker_to_client"`
	OutOfBand       int64  `json:"bytes_out_of_band"`
	ResourcesServed int64  `json:"resources_served,omitempty"`
	ResourceBytes   int64  `json:"resource_bytes,omitempty"`
	ErrorsTotal     int64  `json:"errors_total"`
	LastError       string `json:"last_error,omitempty"`
	LastErrorMsg    string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:          time.Since(c.startTime).Truncate(time.Second).String(),
		SessionsActive:  c.sessionsActive.Load(),
		SessionsTotal:   c.sessionsTotal.Load(),
		WorkersSpawned:  c.workersSpawned.Load(),
		ClientToWorker:  c.clientToWorker.Load(),
		WorkerToClient:  c.workerToClient.Load(),
		OutOfBand:       c.outOfBand.Load(),
		ResourcesServed: c.resourcesServed.Load(),
		ResourceBytes:   c.resourceBytes.Load(),
		ErrorsTotal:     c.errorsTotal.Load(),
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMsg = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}

// Summary is a one-line human readable digest for verbose logs.
func (c *Collector) Summary() string {
	s := c.Snapshot()
	return humanize.Comma(s.SessionsTotal) + " sessions, " +
		humanize.Comma(s.WorkersSpawned) + " workers, " +
		humanize.Bytes(uint64(s.ClientToWorker)) + " in, " +
		humanize.Bytes(uint64(s.WorkerToClient)) + " out, " +
		humanize.Bytes(uint64(s.OutOfBand)) + " console, " +
		humanize.Comma(s.ErrorsTotal) + " errors"
}
