package store

import (
	"crypto/rand"
	"encoding/base32"
	"strings"
)

// idEncoding renders entry ids as lowercase, unpadded base32 — compact and
// still safe to embed in a JSONL line or a filename.
var idEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewEntryID returns an 8-character opaque entry id, grounded on the
// teacher's general use of github.com/google/uuid for opaque ids but sized
// down per SPEC_FULL.md §3.2: entry ids don't need uuid's global
// uniqueness, only uniqueness within one session file, so 5 random bytes
// (8 base32 characters) is enough entropy.
func NewEntryID() string {
	var b [5]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("store: failed to read random bytes for entry id: " + err.Error())
	}
	return strings.ToLower(idEncoding.EncodeToString(b[:]))
}
