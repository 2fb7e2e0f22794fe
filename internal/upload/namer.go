package upload

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const storedTimeLayout = "20060102T150405"

// Namer generates collision-resistant stored names of the form
// {category}_{yyyymmddThhmmss}_{hash8}_{stem}{ext}.
type Namer struct {
	now   func() time.Time
	nonce func() string
}

// NewNamer returns a namer using clock for timestamps and random UUIDs as nonces.
func NewNamer(clock func() time.Time) *Namer {
	if clock == nil {
		clock = time.Now
	}
	return &Namer{now: clock, nonce: func() string { return uuid.NewString() }}
}

// StoredName builds the name for a file with the given content digest. Two
// calls never share a hash segment, even for identical input in the same second.
func (n *Namer) StoredName(category, safeName string, digest []byte) string {
	h := sha256.New()
	h.Write(digest)
	h.Write([]byte(n.nonce()))
	hash8 := hex.EncodeToString(h.Sum(nil))[:8]

	ext := strings.ToLower(filepath.Ext(safeName))
	stem := sanitizeStem(strings.TrimSuffix(safeName, filepath.Ext(safeName)))

	var b strings.Builder
	b.WriteString(category)
	b.WriteByte('_')
	b.WriteString(n.now().UTC().Format(storedTimeLayout))
	b.WriteByte('_')
	b.WriteString(hash8)
	b.WriteByte('_')
	b.WriteString(stem)
	b.WriteString(ext)
	return b.String()
}

// sanitizeStem keeps ASCII letters, digits, dot, dash and underscore and
// turns whitespace into underscores.
func sanitizeStem(stem string) string {
	var b strings.Builder
	for _, r := range stem {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		case r == ' ' || r == '\t':
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "file"
	}
	return out
}
