package server

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timerelay/internal/server/store"
)

func TestAuthenticateResolvesClaims(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory(nil)
	require.NoError(t, mem.CreateDeviceToken(ctx, HashToken("secret-1"), DeviceTypeForwarder, "fwd-a"))
	auth := NewAuthenticator(mem)

	r := httptest.NewRequest("GET", "/ws/v1/forwarders", nil)
	r.Header.Set("Authorization", "Bearer secret-1")

	claims, err := auth.Authenticate(ctx, r, DeviceTypeForwarder)
	require.NoError(t, err)
	assert.Equal(t, "fwd-a", claims.DeviceID)

	// Cached lookups still honour the wanted device type.
	_, err = auth.Authenticate(ctx, r, DeviceTypeReceiver)
	assert.ErrorIs(t, err, ErrWrongDeviceType)
}

func TestAuthenticateRejections(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory(nil)
	auth := NewAuthenticator(mem)

	r := httptest.NewRequest("GET", "/ws/v1/forwarders", nil)
	_, err := auth.Authenticate(ctx, r, DeviceTypeForwarder)
	assert.ErrorIs(t, err, ErrMissingToken)

	r.Header.Set("Authorization", "Bearer who-is-this")
	_, err = auth.Authenticate(ctx, r, DeviceTypeForwarder)
	assert.ErrorIs(t, err, ErrUnknownToken)

	require.NoError(t, mem.CreateDeviceToken(ctx, HashToken("revoked-1"), DeviceTypeForwarder, "fwd-b"))
	require.NoError(t, mem.RevokeDeviceToken(ctx, HashToken("revoked-1")))
	r.Header.Set("Authorization", "Bearer revoked-1")
	_, err = auth.Authenticate(ctx, r, DeviceTypeForwarder)
	assert.ErrorIs(t, err, ErrUnknownToken)
}

func TestSessionRegistrySingleton(t *testing.T) {
	registry := NewSessionRegistry()
	require.True(t, registry.Register("fwd-a"))
	assert.False(t, registry.Register("fwd-a"))
	assert.True(t, registry.Register("rcv-a"))

	registry.Unregister("fwd-a")
	assert.True(t, registry.Register("fwd-a"))
}

func TestNewSessionIDIsUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 64; i++ {
		id := NewSessionID()
		assert.Len(t, id, 32)
		_, dup := seen[id]
		assert.False(t, dup)
		seen[id] = struct{}{}
	}
}
