package validate

import (
	"fmt"
	"regexp"
)

// serviceNameRe matches DNS-label-style tool names: 1-63 lowercase
// alphanumeric or hyphens, starting and ending with alphanumeric.
// Prevents a capability's advertised tool name from carrying '/',
// newlines, or other characters that would be unsafe once logged or
// used to key a dispatch table.
var serviceNameRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// ToolName checks that a capability's advertised tool name is safe.
func ToolName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: tool name cannot be empty", ErrInvalidServiceName)
	}
	if !serviceNameRe.MatchString(name) {
		return fmt.Errorf("%w: invalid tool name %q: must be 1-63 lowercase alphanumeric characters or hyphens, starting and ending with alphanumeric", ErrInvalidServiceName, name)
	}
	return nil
}
