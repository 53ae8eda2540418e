package audithook

// Action constants for audit events.
const (
	// Ledger actions
	ActionCreditsGranted      = "credits.granted"
	ActionCreditsConsumed     = "credits.consumed"
	ActionCreditsExpired      = "credits.expired"
	ActionCreditsAdjusted     = "credits.adjusted"
	ActionInsufficientCredits = "credits.insufficient"

	// Checkout actions
	ActionSessionCreated    = "checkout.created"
	ActionSessionReconciled = "checkout.reconciled"
	ActionSessionFailed     = "checkout.failed"

	// Subscription actions
	ActionSubscriptionActivated = "subscription.activated"
	ActionSubscriptionRenewed   = "subscription.renewed"
	ActionSubscriptionCanceled  = "subscription.canceled"

	// Provider actions
	ActionWebhookReceived = "webhook.received"
)

// Resource constants for audit events.
const (
	ResourceEntry        = "entry"
	ResourceSession      = "checkout_session"
	ResourceSubscription = "subscription"
	ResourceOrganization = "organization"
	ResourceWebhook      = "webhook"
)

// Category constants for audit events.
const (
	CategoryLedger       = "ledger"
	CategorySubscription = "subscription"
	CategoryUsage        = "usage"
	CategoryPayment      = "payment"
	CategoryIntegration  = "integration"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePartial = "partial"
)
