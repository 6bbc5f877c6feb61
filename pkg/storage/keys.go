package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// KeyGenerator produces object keys of the form
// {prefix}/{YYYYMMDD}/{8 random hex}_{unix seconds}.{ext}.
type KeyGenerator struct {
	prefix string
	random func() string
}

func NewKeyGenerator(prefix string) *KeyGenerator {
	return &KeyGenerator{prefix: sanitizePrefix(prefix), random: randomToken}
}

// Next returns a fresh key. Keys generated within the same second differ in
// their random segment.
func (g *KeyGenerator) Next(now time.Time, ext string) string {
	name := fmt.Sprintf("%s/%s_%d.%s", now.UTC().Format("20060102"), g.random(), now.Unix(), ext)
	if g.prefix == "" {
		return name
	}
	return g.prefix + "/" + name
}

func randomToken() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")[:8]
}

// sanitizePrefix keeps keys URL-safe without escaping.
func sanitizePrefix(prefix string) string {
	var b strings.Builder
	for _, r := range strings.Trim(prefix, "/") {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-', r == '_', r == '/', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
