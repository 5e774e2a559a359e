package notify

import (
	"context"
	"fmt"
)

// SessionValidator checks the session of a remote caller and returns the identity it
// belongs to.
type SessionValidator interface {
	ValidateSession(ctx context.Context, session string) (subject string, err error)
}

// AllowList is a SessionValidator over a fixed set of session tokens.
type AllowList map[string]struct{}

// NewAllowList builds an allow-list. The session token doubles as the subject.
func NewAllowList(sessions ...string) AllowList {
	l := make(AllowList, len(sessions))
	for _, s := range sessions {
		l[s] = struct{}{}
	}
	return l
}

func (l AllowList) ValidateSession(_ context.Context, session string) (string, error) {
	if _, ok := l[session]; !ok || session == "" {
		return "", ErrInvalidSession
	}
	return session, nil
}

// Authorize checks a remote caller's session. Failures wrap ErrInvalidSession.
func (s *Service) Authorize(ctx context.Context, session string) (string, error) {
	if s.validator == nil {
		return "", fmt.Errorf("%w: no session validator configured", ErrInvalidSession)
	}
	subject, err := s.validator.ValidateSession(ctx, session)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	return subject, nil
}

// Subscribe registers a remote observer after checking its session.
func (s *Service) Subscribe(ctx context.Context, session string, o Observer) (ObserverID, error) {
	subject, err := s.Authorize(ctx, session)
	if err != nil {
		return 0, err
	}
	return s.AddNamed("session:"+subject, o), nil
}
