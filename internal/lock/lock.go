// Package lock provides exclusive, crash-safe locks over a login's data and
// over the general ledger, using OS advisory file locks.
//
// The OS lock is the only source of truth. Each held lock also has a
// metadata sidecar describing the holder; it exists for display and must
// never be used to decide whether a resource is free.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/jask/jaskledger/internal/journal"
)

// Resource names a lockable resource.
type Resource string

// Ledger guards posting, unposting, reconciling and merging GL transactions.
const Ledger Resource = "ledger"

// Login guards scrape runs, login config edits and per-account extraction
// for one login.
func Login(name string) Resource { return Resource("login-" + name) }

// Metadata describes the current holder of a lock.
type Metadata struct {
	Owner     string    `json:"owner"`
	Purpose   string    `json:"purpose"`
	StartedAt time.Time `json:"startedAt"`
	PID       int       `json:"pid"`
	Resource  Resource  `json:"resource"`
}

// BusyError is returned when another process holds a resource.
type BusyError struct {
	Resource Resource
	Holder   *Metadata
}

func (e *BusyError) Error() string {
	if e.Holder == nil {
		return fmt.Sprintf("resource busy: %s is locked by another process", e.Resource)
	}
	return fmt.Sprintf("resource busy: %s is held by %s for %s (pid %d, since %s)",
		e.Resource, e.Holder.Owner, e.Holder.Purpose, e.Holder.PID, e.Holder.StartedAt.Format(time.RFC3339))
}

// Request lists what an operation needs.
type Request struct {
	Ledger bool
	Logins []string
}

// Resources returns the acquisition order: the ledger lock first, then
// distinct logins sorted by name. Every caller uses this order, so
// multi-login operations cannot deadlock each other.
func (r Request) Resources() []Resource {
	var out []Resource
	if r.Ledger {
		out = append(out, Ledger)
	}
	logins := append([]string(nil), r.Logins...)
	sort.Strings(logins)
	for i, l := range logins {
		if i > 0 && logins[i-1] == l {
			continue
		}
		out = append(out, Login(l))
	}
	return out
}

// Option configures a Manager.
type Option func(*Manager)

// WithWait makes Acquire retry for up to d before reporting busy. Zero, the
// default, fails fast.
func WithWait(d time.Duration) Option { return func(m *Manager) { m.wait = d } }

func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.logger = l } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// Manager hands out locks stored under one directory.
type Manager struct {
	dir    string
	owner  string
	wait   time.Duration
	retry  time.Duration
	now    func() time.Time
	logger *zap.Logger
}

func NewManager(dir, owner string, opts ...Option) *Manager {
	m := &Manager{dir: dir, owner: owner, retry: 50 * time.Millisecond, now: time.Now, logger: zap.NewNop()}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) lockPath(r Resource) string { return filepath.Join(m.dir, string(r)+".lock") }
func (m *Manager) metaPath(r Resource) string { return m.lockPath(r) + ".json" }

// Acquire takes every lock in req in order. If any lock is busy the ones
// already taken are released and a *BusyError is returned.
func (m *Manager) Acquire(ctx context.Context, purpose string, req Request) (*Guard, error) {
	for _, l := range req.Logins {
		if l == "" || strings.ContainsAny(l, `/\`) || strings.HasPrefix(l, ".") {
			return nil, fmt.Errorf("invalid login name %q", l)
		}
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir locks: %w", err)
	}
	g := &Guard{m: m}
	for _, r := range req.Resources() {
		fl, err := m.acquireOne(ctx, r, purpose)
		if err != nil {
			if rerr := g.Release(); rerr != nil {
				m.logger.Warn("release after failed acquire", zap.Error(rerr))
			}
			return nil, err
		}
		g.held = append(g.held, heldLock{res: r, fl: fl})
	}
	return g, nil
}

func (m *Manager) acquireOne(ctx context.Context, r Resource, purpose string) (*flock.Flock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fl := flock.New(m.lockPath(r))
	var (
		ok  bool
		err error
	)
	if m.wait > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, m.wait)
		ok, err = fl.TryLockContext(waitCtx, m.retry)
		cancel()
		if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			ok, err = false, nil
		}
	} else {
		ok, err = fl.TryLock()
	}
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", r, err)
	}
	if !ok {
		return nil, &BusyError{Resource: r, Holder: m.readMeta(r)}
	}

	// We hold the real lock, so any sidecar left behind belongs to a holder
	// that is gone.
	if err := os.Remove(m.metaPath(r)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		m.logger.Warn("remove stale lock metadata", zap.String("resource", string(r)), zap.Error(err))
	}
	meta := Metadata{Owner: m.owner, Purpose: purpose, StartedAt: m.now().UTC(), PID: os.Getpid(), Resource: r}
	data, err := json.Marshal(meta)
	if err == nil {
		err = journal.WriteFileAtomic(m.metaPath(r), append(data, '\n'), 0o644)
	}
	if err != nil {
		m.logger.Warn("write lock metadata", zap.String("resource", string(r)), zap.Error(err))
	}
	m.logger.Debug("lock acquired", zap.String("resource", string(r)), zap.String("purpose", purpose))
	return fl, nil
}

func (m *Manager) readMeta(r Resource) *Metadata {
	data, err := os.ReadFile(m.metaPath(r))
	if err != nil {
		return nil
	}
	var meta Metadata
	if json.Unmarshal(data, &meta) != nil {
		return nil
	}
	return &meta
}

// Inspect lists the metadata sidecars currently on disk. The list is
// advisory: a sidecar can outlive a crashed holder.
func (m *Manager) Inspect() ([]Metadata, error) {
	entries, err := os.ReadDir(m.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read locks: %w", err)
	}
	var out []Metadata
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".lock.json") {
			continue
		}
		if meta := m.readMeta(Resource(strings.TrimSuffix(name, ".lock.json"))); meta != nil {
			out = append(out, *meta)
		}
	}
	return out, nil
}

type heldLock struct {
	res Resource
	fl  *flock.Flock
}

// Guard holds a set of locks until Release.
type Guard struct {
	m    *Manager
	held []heldLock
}

// Resources returns the held resources in acquisition order.
func (g *Guard) Resources() []Resource {
	out := make([]Resource, len(g.held))
	for i, h := range g.held {
		out[i] = h.res
	}
	return out
}

// Release drops every lock in reverse order. For each one the metadata is
// deleted while the lock is still held; unlocking first would let another
// process acquire and write its own metadata before we delete it.
func (g *Guard) Release() error {
	if g == nil {
		return nil
	}
	var errs []error
	for i := len(g.held) - 1; i >= 0; i-- {
		h := g.held[i]
		if err := os.Remove(g.m.metaPath(h.res)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove metadata %s: %w", h.res, err))
		}
		if err := h.fl.Unlock(); err != nil {
			errs = append(errs, fmt.Errorf("unlock %s: %w", h.res, err))
		}
	}
	g.held = nil
	return errors.Join(errs...)
}
