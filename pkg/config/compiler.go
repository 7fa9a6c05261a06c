package config

import (
	"fmt"

	"github.com/a-essam23/scheme-live/pkg/state"
)

// Compile takes a slice of permission names and returns a combined bitmap.
// Any unregistered name fails the whole compilation.
func (r *PermissionRegistry) Compile(names []string) (state.Permission, error) {
	var bitmap state.Permission
	for _, name := range names {
		value, ok := r.Lookup(name)
		if !ok {
			return 0, fmt.Errorf("%w: %q", ErrUnknownPermission, name)
		}
		bitmap |= value
	}
	return bitmap, nil
}

// CompileKnown is the lenient form of Compile. Unregistered names are skipped
// and returned so the caller can report them.
func (r *PermissionRegistry) CompileKnown(names []string) (state.Permission, []string) {
	var (
		bitmap  state.Permission
		unknown []string
	)
	for _, name := range names {
		value, ok := r.Lookup(name)
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		bitmap |= value
	}
	return bitmap, unknown
}
