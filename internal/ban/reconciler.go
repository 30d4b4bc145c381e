package ban

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/inercia/bulwark/internal/counter"
)

// DefaultReconcileSchedule is the cron spec of the reconciler.
const DefaultReconcileSchedule = "@every 30s"

// reconcileTimeout bounds one reconciliation pass.
const reconcileTimeout = 20 * time.Second

// StartReconciler schedules Reconcile on spec. Temporary bans expire with
// their counter-store key; the reconciler removes the firewall rules left
// behind. Calling it again replaces the previous schedule.
func (e *Engine) StartReconciler(spec string) error {
	if spec == "" {
		spec = DefaultReconcileSchedule
	}
	e.cronMu.Lock()
	defer e.cronMu.Unlock()

	if e.cron != nil {
		<-e.cron.Stop().Done()
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
		defer cancel()
		e.Reconcile(ctx)
	}); err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", spec, err)
	}
	c.Start()
	e.cron = c
	e.logger.Info("reconciler_started", "schedule", spec)
	return nil
}

// Reconcile removes the rules of temporary bans whose key has expired,
// unless a persisted block still covers the subject. It returns the
// subjects it cleaned up. Subjects are kept when the store is unreachable.
func (e *Engine) Reconcile(ctx context.Context) []string {
	e.appliedMu.Lock()
	subjects := make([]string, 0, len(e.applied))
	for s := range e.applied {
		subjects = append(subjects, s)
	}
	e.appliedMu.Unlock()
	sort.Strings(subjects)

	var cleaned []string
	for _, s := range subjects {
		if e.reconcileOne(ctx, s) {
			cleaned = append(cleaned, s)
		}
	}
	if len(cleaned) > 0 {
		e.logger.Info("bans_reconciled", "removed", len(cleaned), "tracked", len(subjects)-len(cleaned))
	}
	return cleaned
}

func (e *Engine) reconcileOne(ctx context.Context, subject string) bool {
	unlock := e.locks.Lock(subject)
	defer unlock()

	data, err := e.store.Get(ctx, banKey(subject))
	switch {
	case err == nil:
		if rec, err := decodeRecord(data); err == nil && rec.Active(e.nowFunc()) {
			return false
		}
	case errors.Is(err, counter.ErrNotFound):
	default:
		return false
	}

	methods := e.untrack(ctx, subject)
	if methods == nil {
		return false
	}
	if e.index.exact(subject) {
		return true
	}
	res, err := e.enforcer.Remove(ctx, subject, methods)
	if err != nil || len(res.Warnings) > 0 {
		e.logger.Warn("reconcile_remove_failed", "ip", subject, "error", err, "warnings", res.Warnings)
	}
	e.reconciled.Add(1)
	return true
}

// Close stops the reconciler and waits for a running pass to finish.
func (e *Engine) Close() error {
	e.cronMu.Lock()
	c := e.cron
	e.cron = nil
	e.cronMu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
	return nil
}
