// Package pagination provides opaque keyset cursors for sorted listings.
package pagination

import (
	"encoding/base64"
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Listing limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

const cursorPrefix = "k1:"

var (
	ErrInvalidCursor = errors.New("invalid cursor")
	ErrInvalidLimit  = errors.New("invalid limit")
)

// Encode returns an opaque cursor pointing just after key.
func Encode(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + key))
}

// Decode returns the key a cursor points after. Empty input decodes to "",
// the start of the listing.
func Decode(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return "", ErrInvalidCursor
	}
	key, ok := strings.CutPrefix(string(raw), cursorPrefix)
	if !ok || key == "" {
		return "", ErrInvalidCursor
	}
	return key, nil
}

// ParseLimit reads a limit query value. Empty means DefaultLimit; values
// above MaxLimit are clamped.
func ParseLimit(s string) (int, error) {
	if s == "" {
		return DefaultLimit, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, ErrInvalidLimit
	}
	return min(n, MaxLimit), nil
}

// Page returns up to limit items whose key sorts after the cursor key,
// along with the cursor of the next page ("" when this is the last one).
// items need not be sorted.
func Page[T any](items []T, after string, limit int, key func(T) string) ([]T, string) {
	sorted := make([]T, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool { return key(sorted[i]) < key(sorted[j]) })

	start := sort.Search(len(sorted), func(i int) bool { return key(sorted[i]) > after })
	rest := sorted[start:]
	if len(rest) <= limit {
		return rest, ""
	}
	page := rest[:limit]
	return page, Encode(key(page[len(page)-1]))
}
