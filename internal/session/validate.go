package session

import (
	"fmt"
	"regexp"
)

// Session names become directory names and socket path components, so they
// are short, lower-case and never start with a separator character.
var nameRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,31}$`)

// ValidateName reports whether name can be used as a session name.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("session name is empty")
	}
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: use up to 32 of [a-z0-9_-], starting with a letter or digit", name)
	}
	return nil
}
