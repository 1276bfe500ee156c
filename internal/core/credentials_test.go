package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithCredentialsScopesBinding(t *testing.T) {
	c := newTestController(t)
	c.Credentials = mapCredentials{"registry/ci#password": "hunter2"}
	s := newTestScope(t, c)

	refs := []CredentialRef{{ID: "registry/ci#password", Env: "REGISTRY_PASSWORD"}}
	err := WithCredentials(context.Background(), s, refs, func(context.Context) error {
		v, ok := s.Context.LookupEnv("REGISTRY_PASSWORD")
		assert.True(t, ok)
		assert.Equal(t, "hunter2", v)
		return nil
	})
	require.NoError(t, err)

	_, ok := s.Context.LookupEnv("REGISTRY_PASSWORD")
	assert.False(t, ok)
	assert.Empty(t, s.Context.BoundNames())
}

func TestWithCredentialsUnbindsOnErrorAndPanic(t *testing.T) {
	c := newTestController(t)
	c.Credentials = mapCredentials{"token": "s3cr3t"}
	s := newTestScope(t, c)
	refs := []CredentialRef{{ID: "token", Env: "API_TOKEN"}}

	err := WithCredentials(context.Background(), s, refs, func(context.Context) error {
		return errors.New("push failed")
	})
	assert.EqualError(t, err, "push failed")
	assert.NotContains(t, s.Context.Env(), "API_TOKEN")

	func() {
		defer func() { _ = recover() }()
		_ = WithCredentials(context.Background(), s, refs, func(context.Context) error { panic("boom") })
	}()
	assert.NotContains(t, s.Context.Env(), "API_TOKEN")
}

func TestWithCredentialsNested(t *testing.T) {
	c := newTestController(t)
	c.Credentials = mapCredentials{"outer": "o", "inner": "i"}
	s := newTestScope(t, c)

	err := WithCredentials(context.Background(), s, []CredentialRef{{ID: "outer", Env: "TOKEN"}}, func(ctx context.Context) error {
		err := WithCredentials(ctx, s, []CredentialRef{{ID: "inner", Env: "TOKEN"}}, func(context.Context) error {
			v, _ := s.Context.LookupEnv("TOKEN")
			assert.Equal(t, "i", v)
			return nil
		})
		v, _ := s.Context.LookupEnv("TOKEN")
		assert.Equal(t, "o", v)
		return err
	})
	require.NoError(t, err)
	assert.NotContains(t, s.Context.Env(), "TOKEN")
}

func TestWithCredentialsResolutionFailureBindsNothing(t *testing.T) {
	c := newTestController(t)
	c.Credentials = mapCredentials{"present": "v"}
	s := newTestScope(t, c)

	refs := []CredentialRef{{ID: "present", Env: "A"}, {ID: "missing", Env: "B"}}
	ran := false
	err := WithCredentials(context.Background(), s, refs, func(context.Context) error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, ErrResourceAcquire)
	assert.False(t, ran)
	assert.Empty(t, s.Context.BoundNames())
}

func TestCredentialBindingRedacts(t *testing.T) {
	b := CredentialBinding{ID: "vault:ci/registry#password", EnvVar: "REGISTRY_PASSWORD", value: "hunter2"}
	assert.NotContains(t, b.String(), "hunter2")
	assert.NotContains(t, fmt.Sprintf("%v", b), "hunter2")

	var buf bytes.Buffer
	slog.New(slog.NewJSONHandler(&buf, nil)).Info("bound", "binding", b)
	assert.NotContains(t, buf.String(), "hunter2")
	assert.Contains(t, buf.String(), "REGISTRY_PASSWORD")
}
