package core

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// CredentialRef asks for credential ID to be bound to env var Env.
type CredentialRef struct {
	ID  string
	Env string
}

// CredentialBinding is a resolved credential in scope. The secret value is
// unexported and never rendered by String or slog.
type CredentialBinding struct {
	ID     string
	EnvVar string
	Token  string
	value  string
}

func (b CredentialBinding) String() string {
	return fmt.Sprintf("%s=[redacted] (%s)", b.EnvVar, b.ID)
}

// LogValue keeps the secret out of structured logs.
func (b CredentialBinding) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", b.ID),
		slog.String("env", b.EnvVar),
	)
}

// WithCredentials resolves refs, binds them into the context environment for
// the duration of body, and unbinds them on every exit path. All refs are
// resolved before anything is bound, so a resolution failure leaves the
// environment untouched.
func WithCredentials(ctx context.Context, s *Scope, refs []CredentialRef, body func(context.Context) error) error {
	if len(refs) == 0 {
		return body(ctx)
	}
	store := s.ctrl.Credentials
	if store == nil {
		return fmt.Errorf("%w: no credential store configured", ErrResourceAcquire)
	}

	token := uuid.NewString()
	bindings := make([]CredentialBinding, 0, len(refs))
	for _, ref := range refs {
		if ref.ID == "" || ref.Env == "" {
			return fmt.Errorf("%w: credential binding needs both id and env", ErrResourceAcquire)
		}
		v, err := store.Resolve(ctx, ref.ID)
		if err != nil {
			return fmt.Errorf("%w: credential %q: %v", ErrResourceAcquire, ref.ID, err)
		}
		bindings = append(bindings, CredentialBinding{ID: ref.ID, EnvVar: ref.Env, Token: token, value: v})
	}

	for _, b := range bindings {
		s.Context.pushEnv(token, b.EnvVar, b.value)
		s.Logger.Info("Credential bound", "stage", s.Stage, "binding", b)
	}
	h := NewResourceHandle("credentials", token, func(context.Context) error {
		s.Context.popEnv(token)
		return nil
	})
	s.track(h)
	defer s.releaseHandle(ctx, h)
	return body(ctx)
}
