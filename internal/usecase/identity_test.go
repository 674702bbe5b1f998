package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"chat-insights/internal/repository/memory"
)

func TestNewRegistry_ValidatesDependency(t *testing.T) {
	_, err := NewRegistry(nil, nil)
	require.Error(t, err)
}

func TestIdentify_IsIdempotentPerPhone(t *testing.T) {
	e := newEnv(t, nil)
	a := e.login(t, "+1555")
	b := e.login(t, " +1555 ")
	c := e.login(t, "+1666")

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

func TestIdentify_EmptyPhone(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.registry.Identify(context.Background(), "  ")
	requireCode(t, err, ErrorInvalidInput, "empty_phone")
}

func TestIdentify_StoreFailure(t *testing.T) {
	e := newEnv(t, &failingStore{Store: memory.New(), getOrCreateErr: errStoreDown})
	_, err := e.registry.Identify(context.Background(), "+1555")
	requireCode(t, err, ErrorInternal, "store_user_error")
	require.ErrorIs(t, err, errStoreDown)
}

func TestLookup(t *testing.T) {
	e := newEnv(t, nil)
	id := e.login(t, "+1555")

	u, err := e.registry.Lookup(context.Background(), "+1555")
	require.NoError(t, err)
	require.Equal(t, id, u.ID)

	_, err = e.registry.Lookup(context.Background(), "+1999")
	requireCode(t, err, ErrorNotFound, "user_not_registered")
}

func TestDisplayName(t *testing.T) {
	e := newEnv(t, nil)
	id := e.login(t, "+1555")

	name, err := e.registry.DisplayName(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, name)
	require.Equal(t, "+1555", *name)

	name, err = e.registry.DisplayName(context.Background(), "unknown-id")
	require.NoError(t, err)
	require.Nil(t, name)
}
