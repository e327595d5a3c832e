package session

import (
	"fmt"
	"regexp"
	"strings"
)

// Session names become directory names under ~/.parley/sessions, so the
// character set stays filesystem-safe on every platform.
var nameRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ValidateName checks that name is usable as a parley session name:
// lowercase letters, digits, '-' and '_', at most 64 characters, neither
// starting nor ending with a separator.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: use 1-64 lowercase letters, digits, '-' or '_', starting with a letter or digit", name)
	}
	if strings.HasSuffix(name, "-") || strings.HasSuffix(name, "_") {
		return fmt.Errorf("invalid session name %q: must not end with a separator", name)
	}
	return nil
}
