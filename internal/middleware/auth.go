package middleware

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// Principal is the authenticated caller: a customer-scoped human or service.
type Principal struct {
	CustomerID  string
	PrincipalID string
	Platform    bool // platform operators may act outside a customer scope
}

// PrincipalFrom extracts the authenticated principal.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// KeyStore holds API keys as bcrypt hashes. Keys look like
// "ag_<principal>_<secret>"; the principal segment selects the hash so
// validation is a single compare.
type KeyStore struct {
	mu   sync.RWMutex
	keys map[string]keyRecord // principalID -> record
}

type keyRecord struct {
	hash       []byte
	customerID string
	platform   bool
}

// NewKeyStore creates an empty key store.
func NewKeyStore() *KeyStore {
	return &KeyStore{keys: make(map[string]keyRecord)}
}

// Register hashes and stores an API key for a principal. An empty customerID
// marks a platform operator.
func (s *KeyStore) Register(principalID, customerID, apiKey string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[principalID] = keyRecord{hash: hash, customerID: customerID, platform: customerID == ""}
	return nil
}

// Validate checks a bearer key of the form "ag_<principal>_<secret>".
func (s *KeyStore) Validate(apiKey string) (Principal, bool) {
	parts := strings.SplitN(apiKey, "_", 3)
	if len(parts) != 3 || parts[0] != "ag" {
		return Principal{}, false
	}
	principalID := parts[1]

	s.mu.RLock()
	rec, ok := s.keys[principalID]
	s.mu.RUnlock()
	if !ok {
		return Principal{}, false
	}
	if bcrypt.CompareHashAndPassword(rec.hash, []byte(apiKey)) != nil {
		return Principal{}, false
	}
	return Principal{CustomerID: rec.customerID, PrincipalID: principalID, Platform: rec.platform}, true
}

// Authenticate resolves the caller from the Authorization header, falling
// back to X-Customer-Id for trusted internal traffic. Unauthenticated
// requests are rejected before they reach a handler.
func Authenticate(keys *KeyStore, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var principal Principal

		authHeader := r.Header.Get("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ag_") {
			p, ok := keys.Validate(strings.TrimPrefix(authHeader, "Bearer "))
			if !ok {
				writeProblem(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid API key", 0)
				return
			}
			principal = p
		} else if customerID := r.Header.Get("X-Customer-Id"); customerID != "" {
			principal = Principal{
				CustomerID:  customerID,
				PrincipalID: r.Header.Get("X-Principal-Id"),
			}
		} else {
			writeProblem(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing credentials", 0)
			return
		}

		ctx := context.WithValue(r.Context(), principalKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
