// Package invite encodes InviteTokens for out-of-band transfer: a
// base64url blob for copy-paste, and a short human-readable code for
// reading aloud. The short-code alphabet (A-Z without I and O, plus
// 2-9) and dash grouping are
// grounded on the base32 dash-grouping idiom used elsewhere in this
// codebase for pairing codes, adapted to the spec's exact 12-byte
// digest and 16-character layout.
package invite

import (
	"crypto/sha256"
	"encoding/base32"
	"encoding/base64"
	"fmt"
	"strings"
)

// shortCodeAlphabet excludes easily-confused characters (no 0/1, no O/I).
const shortCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

var shortCodeEncoding = base32.NewEncoding(shortCodeAlphabet).WithPadding(base32.NoPadding)

// EncodeTokenURL renders an already-CBOR-encoded InviteToken as a
// base64url string suitable for a URL query parameter or clipboard paste.
func EncodeTokenURL(tokenCBOR []byte) string {
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(tokenCBOR)
}

// DecodeTokenURL reverses EncodeTokenURL.
func DecodeTokenURL(s string) ([]byte, error) {
	b, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode invite token: %w", err)
	}
	return b, nil
}

// ShortCode derives a 16-character, dash-grouped short code from the
// CBOR-encoded token bytes: SHA-256(tokenBytes)[:12], base32-encoded
// over shortCodeAlphabet, grouped XXXX-XXXX-XXXX-XXXX.
func ShortCode(tokenCBOR []byte) string {
	sum := sha256.Sum256(tokenCBOR)
	encoded := shortCodeEncoding.EncodeToString(sum[:12]) // 12 bytes -> 20 chars; truncate to 16
	encoded = encoded[:16]

	var b strings.Builder
	for i, c := range encoded {
		if i > 0 && i%4 == 0 {
			b.WriteByte('-')
		}
		b.WriteRune(c)
	}
	return b.String()
}

// NormalizeShortCode uppercases and strips dashes/whitespace so users
// can paste a code with or without the visual grouping.
func NormalizeShortCode(s string) string {
	s = strings.ToUpper(s)
	s = strings.Map(func(r rune) rune {
		if r == '-' || r == ' ' {
			return -1
		}
		return r
	}, s)
	return s
}
