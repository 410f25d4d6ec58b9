package core

import (
	"strings"

	"github.com/google/uuid"
)

// newID returns a fresh instance or backup identifier.
func newID() string {
	return uuid.NewString()
}

// simple strips the dashes from a UUID, matching the form used inside SQL
// identifiers.
func simple(id string) string {
	return strings.ReplaceAll(id, "-", "")
}

// dbNameFor derives the logical database name for an instance id.
func dbNameFor(id string) string {
	return "db_" + simple(id)
}

// dbUserFor derives the per-instance user name. MySQL caps user names at 32
// characters, so only a prefix of the id goes in.
func dbUserFor(id string) string {
	return "user_" + simple(id)[:8]
}

// newPassword generates a credential that satisfies both engines' complexity
// rules (length, case, digits, symbols).
func newPassword() string {
	return "Pwd" + simple(uuid.NewString()) + "!@#"
}
