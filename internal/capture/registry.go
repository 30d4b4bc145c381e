// Package capture manages live packet capture sessions, one per identity.
// Frames are decoded into Features and handed to a Classifier through a
// bounded queue that drops the oldest frame when the classifier falls behind.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inercia/bulwark/internal/keylock"
	"github.com/inercia/bulwark/internal/logging"
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("capture registry closed")

// Options configures a Registry.
type Options struct {
	Backend         Backend
	Classifier      Classifier
	Logger          *slog.Logger
	QueueSize       int
	SnapLen         int
	ClassifyTimeout time.Duration
}

// Registry holds the live sessions. Starts and stops for the same owner are
// serialised; the map itself is guarded separately.
type Registry struct {
	backend         Backend
	classifier      Classifier
	logger          *slog.Logger
	queueSize       int
	snapLen         int
	classifyTimeout time.Duration

	locks *keylock.Map

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewRegistry creates a Registry. Backend is required.
func NewRegistry(opts Options) (*Registry, error) {
	if opts.Backend == nil {
		return nil, errors.New("capture: backend is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Classifier == nil {
		opts.Classifier = LogClassifier{Logger: opts.Logger}
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.SnapLen <= 0 {
		opts.SnapLen = DefaultSnapLen
	}
	if opts.ClassifyTimeout <= 0 {
		opts.ClassifyTimeout = DefaultClassifyTimeout
	}
	return &Registry{
		backend:         opts.Backend,
		classifier:      opts.Classifier,
		logger:          opts.Logger,
		queueSize:       opts.QueueSize,
		snapLen:         opts.SnapLen,
		classifyTimeout: opts.ClassifyTimeout,
		locks:           keylock.New(),
		sessions:        make(map[string]*Session),
	}, nil
}

// Devices lists the capturable interfaces.
func (r *Registry) Devices() ([]string, error) {
	return r.backend.Devices()
}

// Start opens a capture for owner, replacing any session owner already has.
// An empty device selects the first capturable interface. When opening
// fails nothing is registered and the previous session, if any, is gone.
func (r *Registry) Start(ctx context.Context, owner, device string, sink Sink) (Status, error) {
	if owner == "" {
		return Status{}, errors.New("capture: owner is required")
	}
	unlock := r.locks.Lock(owner)
	defer unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Status{}, ErrClosed
	}
	old := r.sessions[owner]
	delete(r.sessions, owner)
	r.mu.Unlock()

	logger := logging.WithOwner(r.logger, owner)
	if old != nil {
		old.stop()
		logger.Info("capture_replaced", "session", old.ID)
	}
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}

	if device == "" {
		devices, err := r.backend.Devices()
		if err != nil {
			logger.Warn("capture_start_failed", "error", err)
			return Status{}, err
		}
		if len(devices) == 0 {
			logger.Warn("capture_start_failed", "error", ErrNoInterfaces)
			return Status{}, ErrNoInterfaces
		}
		device = devices[0]
	}

	h, err := r.backend.Open(device, r.snapLen)
	if err != nil {
		logger.Warn("capture_start_failed", "device", device, "error", err)
		return Status{}, fmt.Errorf("start capture on %s: %w", device, err)
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		ID:        uuid.NewString(),
		Owner:     owner,
		Device:    device,
		StartedAt: time.Now(),
		handle:    h,
		link:      h.LinkType(),
		queue:     newDropQueue(r.queueSize),
		ctx:       sctx,
		cancel:    cancel,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.logger = logger.With("session", s.ID, "device", device)
	s.touch()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		h.Close()
		return Status{}, ErrClosed
	}
	r.sessions[owner] = s
	r.mu.Unlock()

	s.run(r.classifier, r.classifyTimeout, sink, r.forget)
	s.logger.Info("capture_started")
	return s.Status(), nil
}

// forget drops s from the map if it is still the owner's session.
func (r *Registry) forget(s *Session) {
	r.mu.Lock()
	if r.sessions[s.Owner] == s {
		delete(r.sessions, s.Owner)
	}
	r.mu.Unlock()
}

// Stop ends owner's session and waits for its handle to be released.
func (r *Registry) Stop(owner string) (Status, error) {
	unlock := r.locks.Lock(owner)
	defer unlock()

	r.mu.Lock()
	s := r.sessions[owner]
	delete(r.sessions, owner)
	r.mu.Unlock()
	if s == nil {
		return Status{}, ErrNotFound
	}
	s.stop()
	return s.Status(), nil
}

// StopSession ends owner's session only if it is still session id. A
// session that replaced it is left running and ErrNotFound is returned.
func (r *Registry) StopSession(owner, id string) (Status, error) {
	unlock := r.locks.Lock(owner)
	defer unlock()

	r.mu.Lock()
	s := r.sessions[owner]
	if s == nil || s.ID != id {
		r.mu.Unlock()
		return Status{}, ErrNotFound
	}
	delete(r.sessions, owner)
	r.mu.Unlock()

	s.stop()
	return s.Status(), nil
}

// Status returns owner's session status.
func (r *Registry) Status(owner string) (Status, error) {
	r.mu.Lock()
	s := r.sessions[owner]
	r.mu.Unlock()
	if s == nil {
		return Status{}, ErrNotFound
	}
	return s.Status(), nil
}

// Session returns owner's live session, if any.
func (r *Registry) Session(owner string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[owner]
	return s, ok
}

// List returns the status of every live session ordered by owner.
func (r *Registry) List() []Status {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	out := make([]Status, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Owner < out[j].Owner })
	return out
}

// Active returns the number of live sessions.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close stops every session. Later Starts fail with ErrClosed.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for owner, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, owner)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.stop()
	}
	if len(sessions) > 0 {
		r.logger.Info("capture_registry_closed", "sessions", len(sessions))
	}
	return nil
}
