package server

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

const roomIdSeparator = "_"

// DeriveRoomID maps an unordered pair of usernames to a stable room
// identifier: the pair is sorted, joined and hashed, so
// DeriveRoomID(a, b) == DeriveRoomID(b, a).
//
// Usernames are assumed to not contain the separator. The directory
// enforces URL-safe usernames, so two distinct pairs cannot collide on
// the joined string.
func DeriveRoomID(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)

	sum := sha256.Sum256([]byte(strings.Join(pair, roomIdSeparator)))
	return hex.EncodeToString(sum[:])
}
