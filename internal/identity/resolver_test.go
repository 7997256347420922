package identity

import (
	"errors"
	"testing"
)

func TestCanonicalKeySymmetric(t *testing.T) {
	pairs := [][2]string{
		{"u1", "u2"},
		{"alice@example.com", "bob@example.com"},
		{"zzz", "aaa"},
		{"user:with:colons", "other"},
	}
	for _, p := range pairs {
		ab, err := CanonicalKey(p[0], p[1])
		if err != nil {
			t.Fatalf("CanonicalKey(%q, %q): %v", p[0], p[1], err)
		}
		ba, err := CanonicalKey(p[1], p[0])
		if err != nil {
			t.Fatalf("CanonicalKey(%q, %q): %v", p[1], p[0], err)
		}
		if ab != ba {
			t.Errorf("key not symmetric: %q vs %q", ab, ba)
		}
	}
}

func TestCanonicalKeySelfPair(t *testing.T) {
	if _, err := CanonicalKey("u1", "u1"); !errors.Is(err, ErrInvalidParticipants) {
		t.Errorf("self pair: err = %v, want ErrInvalidParticipants", err)
	}
}

func TestCanonicalKeyEmptyID(t *testing.T) {
	if _, err := CanonicalKey("", "u2"); !errors.Is(err, ErrInvalidParticipants) {
		t.Errorf("empty a: err = %v, want ErrInvalidParticipants", err)
	}
	if _, err := CanonicalKey("u1", ""); !errors.Is(err, ErrInvalidParticipants) {
		t.Errorf("empty b: err = %v, want ErrInvalidParticipants", err)
	}
}

// Ids containing the separator must not produce the same key as a
// different pair that happens to concatenate identically.
func TestCanonicalKeyNoSeparatorCollision(t *testing.T) {
	k1, err := CanonicalKey("a:b", "c")
	if err != nil {
		t.Fatal(err)
	}
	k2, err := CanonicalKey("a", "b:c")
	if err != nil {
		t.Fatal(err)
	}
	if k1 == k2 {
		t.Errorf("distinct pairs collided on key %q", k1)
	}
}

func TestSortedMembersMatchesKeyOrder(t *testing.T) {
	m1 := SortedMembers("u2", "u1")
	m2 := SortedMembers("u1", "u2")
	if m1[0] != m2[0] || m1[1] != m2[1] {
		t.Errorf("member order differs: %v vs %v", m1, m2)
	}
	if m1[0] != "u1" || m1[1] != "u2" {
		t.Errorf("members = %v, want [u1 u2]", m1)
	}
}
