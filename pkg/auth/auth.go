package auth

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

var (
	// ErrMissingKey indicates that the Authorization header was not provided.
	ErrMissingKey = errors.New("missing API key")
	// ErrInvalidPrefix indicates the header used neither the Bearer nor the Key scheme.
	ErrInvalidPrefix = errors.New("invalid authorization prefix")
	// ErrUnknownKey indicates the key is not in the allowed set.
	ErrUnknownKey = errors.New("unknown API key")
)

var schemes = []string{"Bearer ", "Key "}

// ExtractKey parses an Authorization header of the form "Bearer <key>" or
// "Key <key>".
func ExtractKey(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingKey
	}

	for _, scheme := range schemes {
		if len(header) >= len(scheme) && strings.EqualFold(header[:len(scheme)], scheme) {
			token := strings.TrimSpace(header[len(scheme):])
			if token == "" {
				return "", ErrMissingKey
			}
			return token, nil
		}
	}
	return "", ErrInvalidPrefix
}

// Keys is the set of API keys accepted by the gateway.
type Keys struct {
	allowed [][]byte
}

func NewKeys(keys []string) *Keys {
	k := &Keys{}
	for _, key := range keys {
		if key = strings.TrimSpace(key); key != "" {
			k.allowed = append(k.allowed, []byte(key))
		}
	}
	return k
}

// Enabled reports whether any key is configured. With no keys the gateway
// is open.
func (k *Keys) Enabled() bool {
	return k != nil && len(k.allowed) > 0
}

// Verify checks the request's key against the allowed set in constant time.
func (k *Keys) Verify(r *http.Request) error {
	token, err := ExtractKey(r)
	if err != nil {
		return err
	}
	ok := 0
	for _, allowed := range k.allowed {
		ok |= subtle.ConstantTimeCompare(allowed, []byte(token))
	}
	if ok != 1 {
		return ErrUnknownKey
	}
	return nil
}

// Middleware rejects requests without a valid key.
func (k *Keys) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !k.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		if err := k.Verify(r); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="hairstyle-transfer"`)
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		next.ServeHTTP(w, r)
	})
}
