// Package identity derives canonical conversation identifiers from
// participant pairs. The key is order-independent, so both sides of a
// conversation compute the same document id no matter who initiates.
package identity

import (
	"errors"
	"net/url"
)

// ErrInvalidParticipants is returned when a conversation key is requested
// for an empty id or for a participant paired with themselves.
var ErrInvalidParticipants = errors.New("identity: conversation requires two distinct participants")

// CanonicalKey returns the canonical key for the unordered pair {a, b}.
// Ids are escaped before joining so the separator cannot collide with
// characters inside an opaque id, then sorted so CanonicalKey(a, b) ==
// CanonicalKey(b, a).
func CanonicalKey(a, b string) (string, error) {
	if a == "" || b == "" || a == b {
		return "", ErrInvalidParticipants
	}
	ea, eb := url.QueryEscape(a), url.QueryEscape(b)
	if eb < ea {
		ea, eb = eb, ea
	}
	return ea + ":" + eb, nil
}

// SortedMembers returns the pair in the same total order CanonicalKey
// uses, for storage in a conversation's members field.
func SortedMembers(a, b string) []string {
	if url.QueryEscape(b) < url.QueryEscape(a) {
		a, b = b, a
	}
	return []string{a, b}
}
