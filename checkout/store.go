package checkout

import "context"

type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	// MarkSessionProcessing records an attempt on an unprocessed session.
	MarkSessionProcessing(ctx context.Context, sessionID string) error
	MarkSessionFailed(ctx context.Context, sessionID string, reason string) error
	MarkSessionExpired(ctx context.Context, sessionID string) error
	// CompleteSession claims the session (processed_at IS NULL) and applies
	// the effect in one unit of work. A lost claim returns
	// ErrAlreadyProcessed and changes nothing.
	CompleteSession(ctx context.Context, effect *Effect) error
}
