package img2url

import (
	"crypto/rand"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	// CodeLength is the number of base-36 characters in a short code.
	CodeLength = 8

	// CanonicalExt is the extension every stored object key carries.
	CanonicalExt = ".jpg"

	codeAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// ErrInvalidObjectKey is returned when a request path does not name a stored object.
var ErrInvalidObjectKey = errors.New("invalid object key")

// objectKeyPattern accepts every extension clients historically link with;
// all of them resolve to the same stored key.
var objectKeyPattern = regexp.MustCompile(`^([a-z0-9]{8})\.(jpg|jpeg|png|gif|webp|svg|bmp)$`)

// NewCode draws a random short code from crypto/rand.
func NewCode() (string, error) {
	// 252 is the largest multiple of 36 below 256; larger bytes are rejected
	// to keep the distribution uniform.
	const limit = 252

	var sb strings.Builder
	sb.Grow(CodeLength)

	buf := make([]byte, CodeLength*2)
	for sb.Len() < CodeLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("reading random bytes: %w", err)
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			sb.WriteByte(codeAlphabet[int(b)%len(codeAlphabet)])
			if sb.Len() == CodeLength {
				break
			}
		}
	}
	return sb.String(), nil
}

// ObjectKey returns the content store key for a short code.
func ObjectKey(code string) string {
	return code + CanonicalExt
}

// ParseObjectKey extracts the short code from a request file name such as
// "abc12345.webp" and returns the canonical object key alongside it.
func ParseObjectKey(name string) (code, key string, err error) {
	m := objectKeyPattern.FindStringSubmatch(name)
	if m == nil {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidObjectKey, name)
	}
	return m[1], ObjectKey(m[1]), nil
}

// CodeFromKey returns the short code for a stored object key, or false if the
// key is not an object key (for example a temp file left in a listing).
func CodeFromKey(key string) (string, bool) {
	code, ok := strings.CutSuffix(key, CanonicalExt)
	if !ok || len(code) != CodeLength {
		return "", false
	}
	for i := 0; i < len(code); i++ {
		if !strings.ContainsRune(codeAlphabet, rune(code[i])) {
			return "", false
		}
	}
	return code, true
}
