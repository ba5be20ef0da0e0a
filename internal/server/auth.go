package server

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"timerelay/internal/server/store"
)

const (
	// DeviceTypeForwarder and DeviceTypeReceiver are the two token kinds.
	DeviceTypeForwarder = "forwarder"
	DeviceTypeReceiver  = "receiver"

	claimsCacheTTL = 30 * time.Second
)

var (
	// ErrMissingToken indicates no bearer token was presented.
	ErrMissingToken = errors.New("missing bearer token")
	// ErrUnknownToken indicates the token is unknown or revoked.
	ErrUnknownToken = errors.New("unknown or revoked token")
	// ErrWrongDeviceType indicates the token is valid for the other role.
	ErrWrongDeviceType = errors.New("token is for a different device type")
)

// Authenticator resolves bearer tokens into device claims, caching hits
// briefly so the session hot path does not hammer device_tokens.
type Authenticator struct {
	store store.Store
	cache *gocache.Cache
}

// NewAuthenticator wires an authenticator over the given store.
func NewAuthenticator(s store.Store) *Authenticator {
	return &Authenticator{
		store: s,
		cache: gocache.New(claimsCacheTTL, 2*claimsCacheTTL),
	}
}

// HashToken returns the fixed-size digest under which tokens are stored.
func HashToken(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return sum[:]
}

// ExtractBearer pulls the bearer token from an Authorization header.
func ExtractBearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// Authenticate resolves the request's bearer token to claims and checks
// the device type. No state is changed before this passes.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request, wantDeviceType string) (*store.Claims, error) {
	token := ExtractBearer(r.Header.Get("Authorization"))
	if token == "" {
		return nil, ErrMissingToken
	}
	hash := HashToken(token)
	key := hex.EncodeToString(hash)
	if cached, ok := a.cache.Get(key); ok {
		claims := cached.(store.Claims)
		if claims.DeviceType != wantDeviceType {
			return nil, ErrWrongDeviceType
		}
		return &claims, nil
	}
	claims, err := a.store.ClaimsForTokenHash(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownToken
	}
	if err != nil {
		return nil, err
	}
	a.cache.Set(key, *claims, gocache.DefaultExpiration)
	if claims.DeviceType != wantDeviceType {
		return nil, ErrWrongDeviceType
	}
	return claims, nil
}

// SessionRegistry enforces the single-active-session-per-device rule.
// Registration is a check-and-insert under the write lock; eviction runs
// on session end in both success and error paths.
type SessionRegistry struct {
	mu     sync.RWMutex
	active map[string]struct{}
}

// NewSessionRegistry constructs an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{active: make(map[string]struct{})}
}

// Register claims the device id, reporting false if a session is already
// active for it.
func (r *SessionRegistry) Register(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.active[deviceID]; exists {
		return false
	}
	r.active[deviceID] = struct{}{}
	return true
}

// Unregister releases the device id.
func (r *SessionRegistry) Unregister(deviceID string) {
	r.mu.Lock()
	delete(r.active, deviceID)
	r.mu.Unlock()
}

// Active reports whether the device currently holds a session.
func (r *SessionRegistry) Active(deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.active[deviceID]
	return ok
}

// NewSessionID creates a random 16-byte session identifier in hex.
func NewSessionID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err == nil {
		return hex.EncodeToString(buf[:])
	}
	return fmt.Sprintf("%x", time.Now().UnixNano())
}
