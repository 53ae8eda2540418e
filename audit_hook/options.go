package audithook

import (
	"log/slog"

	"github.com/samber/lo"
)

// Option configures an Extension.
type Option func(*Extension)

// WithLogger sets the logger used when the recorder fails.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Extension) { e.logger = logger }
}

// WithEnabledActions audits only the named actions.
func WithEnabledActions(actions ...string) Option {
	return func(e *Extension) { e.enabled = lo.SliceToMap(actions, enabledPair) }
}

// WithDisabledActions audits every action except the named ones. Combined
// with WithEnabledActions it narrows that set further.
func WithDisabledActions(actions ...string) Option {
	return func(e *Extension) {
		if e.enabled == nil {
			e.enabled = lo.SliceToMap(allActions(), enabledPair)
		}
		for _, action := range actions {
			delete(e.enabled, action)
		}
	}
}

// WithCategories restricts auditing to events in the given categories,
// e.g. CategoryPayment for a finance-only trail.
func WithCategories(categories ...string) Option {
	return func(e *Extension) { e.categories = lo.SliceToMap(categories, enabledPair) }
}

func enabledPair(key string) (string, bool) { return key, true }

func allActions() []string {
	return []string{
		ActionCreditsGranted,
		ActionCreditsConsumed,
		ActionCreditsExpired,
		ActionCreditsAdjusted,
		ActionInsufficientCredits,
		ActionSessionCreated,
		ActionSessionReconciled,
		ActionSessionFailed,
		ActionSubscriptionActivated,
		ActionSubscriptionRenewed,
		ActionSubscriptionCanceled,
		ActionWebhookReceived,
	}
}
