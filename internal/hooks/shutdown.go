package hooks

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/inercia/bulwark/internal/config"
	"github.com/inercia/bulwark/internal/logging"
)

// ShutdownFunc performs cleanup during shutdown. It receives the reason
// shutdown was triggered.
type ShutdownFunc func(reason string)

// ShutdownManager coordinates graceful shutdown: it stops the up hook, runs
// the down hook and then the registered cleanups, exactly once.
//
// It is safe for concurrent use.
type ShutdownManager struct {
	mu       sync.Mutex
	once     sync.Once
	done     chan struct{}
	reason   string
	cleanups []ShutdownFunc

	upHook   *Process
	downHook config.WebHook
	listen   string

	stopSignals func()
}

// NewShutdownManager creates a shutdown manager. Signals are not handled
// until Start.
func NewShutdownManager() *ShutdownManager {
	return &ShutdownManager{
		done: make(chan struct{}),
	}
}

// SetHooks sets the running up hook, stopped on shutdown, and the down hook
// run before the cleanups.
func (sm *ShutdownManager) SetHooks(upHook *Process, downHook config.WebHook, listen string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.upHook = upHook
	sm.downHook = downHook
	sm.listen = listen
}

// AddCleanup adds a cleanup function. Cleanups run in the order added.
func (sm *ShutdownManager) AddCleanup(fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.cleanups = append(sm.cleanups, fn)
}

// Start shuts down on SIGINT or SIGTERM. Register cleanups first.
func (sm *ShutdownManager) Start() {
	logger := logging.Shutdown()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sm.mu.Lock()
	sm.stopSignals = func() { signal.Stop(sigChan) }
	sm.mu.Unlock()

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("signal_received", "signal", sig.String())
			sm.Shutdown("signal:" + sig.String())
		case <-sm.done:
		}
	}()
}

// Shutdown runs the shutdown sequence with the given reason and blocks until
// it completes. Only the first call does anything; later calls wait for it.
func (sm *ShutdownManager) Shutdown(reason string) {
	sm.once.Do(func() {
		sm.doShutdown(reason)
	})
	<-sm.done
}

func (sm *ShutdownManager) doShutdown(reason string) {
	logger := logging.Shutdown()
	logger.Info("shutdown_started", "reason", reason)

	sm.mu.Lock()
	sm.reason = reason
	upHook := sm.upHook
	downHook := sm.downHook
	listen := sm.listen
	cleanups := make([]ShutdownFunc, len(sm.cleanups))
	copy(cleanups, sm.cleanups)
	stopSignals := sm.stopSignals
	sm.mu.Unlock()

	if stopSignals != nil {
		stopSignals()
	}

	upHook.Stop()
	if downHook.Command != "" {
		_ = RunDown(downHook, listen)
	}

	for i, fn := range cleanups {
		logger.Debug("shutdown_cleanup", "index", i, "total", len(cleanups))
		fn(reason)
	}

	logger.Info("shutdown_complete", "reason", reason)
	close(sm.done)
}

// Done returns a channel that is closed when shutdown is complete.
func (sm *ShutdownManager) Done() <-chan struct{} {
	return sm.done
}

// Reason returns why shutdown was triggered, or "" before it was.
func (sm *ShutdownManager) Reason() string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.reason
}
