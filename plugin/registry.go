package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/inspect360/credits/checkout"
	"github.com/inspect360/credits/entry"
	"github.com/inspect360/credits/subscription"
)

// DefaultHookTimeout bounds a single hook call.
const DefaultHookTimeout = 5 * time.Second

// Registry holds registered plugins with their hook interfaces cached per
// type, so dispatch never type-asserts. Hook errors are logged, never
// returned: a failing plugin must not fail a ledger operation.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	onInit                  []OnInit
	onShutdown              []OnShutdown
	onEntryAppended         []OnEntryAppended
	onInsufficientCredits   []OnInsufficientCredits
	onLedgerChanged         []OnLedgerChanged
	onSessionCreated        []OnSessionCreated
	onSessionReconciled     []OnSessionReconciled
	onSessionFailed         []OnSessionFailed
	onWebhookReceived       []OnWebhookReceived
	onSubscriptionActivated []OnSubscriptionActivated
	onSubscriptionRenewed   []OnSubscriptionRenewed
	onSubscriptionCanceled  []OnSubscriptionCanceled
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{logger: slog.Default(), timeout: DefaultHookTimeout}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout sets the per-hook timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a plugin and caches the hooks it implements. Names must be
// unique.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}
	r.plugins = append(r.plugins, p)

	var hooks []string
	add := func(name string, ok bool) {
		if ok {
			hooks = append(hooks, name)
		}
	}
	add("OnInit", cache(p, &r.onInit))
	add("OnShutdown", cache(p, &r.onShutdown))
	add("OnEntryAppended", cache(p, &r.onEntryAppended))
	add("OnInsufficientCredits", cache(p, &r.onInsufficientCredits))
	add("OnLedgerChanged", cache(p, &r.onLedgerChanged))
	add("OnSessionCreated", cache(p, &r.onSessionCreated))
	add("OnSessionReconciled", cache(p, &r.onSessionReconciled))
	add("OnSessionFailed", cache(p, &r.onSessionFailed))
	add("OnWebhookReceived", cache(p, &r.onWebhookReceived))
	add("OnSubscriptionActivated", cache(p, &r.onSubscriptionActivated))
	add("OnSubscriptionRenewed", cache(p, &r.onSubscriptionRenewed))
	add("OnSubscriptionCanceled", cache(p, &r.onSubscriptionCanceled))

	r.logger.Info("plugin registered", "name", p.Name(), "hooks", hooks)
	return nil
}

func cache[T Plugin](p Plugin, list *[]T) bool {
	v, ok := p.(T)
	if ok {
		*list = append(*list, v)
	}
	return ok
}

// Get returns a plugin by name, or nil.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plugin, len(r.plugins))
	copy(out, r.plugins)
	return out
}

// ──────────────────────────────────────────────────
// Event emission
// ──────────────────────────────────────────────────

func (r *Registry) EmitInit(ctx context.Context, engine any) {
	emit(ctx, r, "OnInit", &r.onInit, func(p OnInit) error { return p.OnInit(ctx, engine) })
}

func (r *Registry) EmitShutdown(ctx context.Context) {
	emit(ctx, r, "OnShutdown", &r.onShutdown, func(p OnShutdown) error { return p.OnShutdown(ctx) })
}

func (r *Registry) EmitEntryAppended(ctx context.Context, e *entry.Entry) {
	emit(ctx, r, "OnEntryAppended", &r.onEntryAppended, func(p OnEntryAppended) error {
		return p.OnEntryAppended(ctx, e)
	})
}

func (r *Registry) EmitInsufficientCredits(ctx context.Context, orgID string, requested, available int64) {
	emit(ctx, r, "OnInsufficientCredits", &r.onInsufficientCredits, func(p OnInsufficientCredits) error {
		return p.OnInsufficientCredits(ctx, orgID, requested, available)
	})
}

func (r *Registry) EmitLedgerChanged(ctx context.Context, orgID, reason string) {
	emit(ctx, r, "OnLedgerChanged", &r.onLedgerChanged, func(p OnLedgerChanged) error {
		return p.OnLedgerChanged(ctx, orgID, reason)
	})
}

func (r *Registry) EmitSessionCreated(ctx context.Context, s *checkout.Session) {
	emit(ctx, r, "OnSessionCreated", &r.onSessionCreated, func(p OnSessionCreated) error {
		return p.OnSessionCreated(ctx, s)
	})
}

func (r *Registry) EmitSessionReconciled(ctx context.Context, s *checkout.Session, res *checkout.Result) {
	emit(ctx, r, "OnSessionReconciled", &r.onSessionReconciled, func(p OnSessionReconciled) error {
		return p.OnSessionReconciled(ctx, s, res)
	})
}

func (r *Registry) EmitSessionFailed(ctx context.Context, sessionID string, cause error) {
	emit(ctx, r, "OnSessionFailed", &r.onSessionFailed, func(p OnSessionFailed) error {
		return p.OnSessionFailed(ctx, sessionID, cause)
	})
}

func (r *Registry) EmitWebhookReceived(ctx context.Context, provider, eventType string) {
	emit(ctx, r, "OnWebhookReceived", &r.onWebhookReceived, func(p OnWebhookReceived) error {
		return p.OnWebhookReceived(ctx, provider, eventType)
	})
}

func (r *Registry) EmitSubscriptionActivated(ctx context.Context, s *subscription.Subscription) {
	emit(ctx, r, "OnSubscriptionActivated", &r.onSubscriptionActivated, func(p OnSubscriptionActivated) error {
		return p.OnSubscriptionActivated(ctx, s)
	})
}

func (r *Registry) EmitSubscriptionRenewed(ctx context.Context, s *subscription.Subscription) {
	emit(ctx, r, "OnSubscriptionRenewed", &r.onSubscriptionRenewed, func(p OnSubscriptionRenewed) error {
		return p.OnSubscriptionRenewed(ctx, s)
	})
}

func (r *Registry) EmitSubscriptionCanceled(ctx context.Context, s *subscription.Subscription) {
	emit(ctx, r, "OnSubscriptionCanceled", &r.onSubscriptionCanceled, func(p OnSubscriptionCanceled) error {
		return p.OnSubscriptionCanceled(ctx, s)
	})
}

func emit[T Plugin](ctx context.Context, r *Registry, hook string, list *[]T, call func(T) error) {
	r.mu.RLock()
	plugins := *list
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error { return call(p) }); err != nil {
			r.logger.Warn("plugin hook failed",
				"hook", hook,
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// callWithTimeout runs fn but stops waiting after the registry timeout.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
