package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/a-essam23/scheme-live/pkg/state"
)

var ErrUnknownPermission = errors.New("permission not registered")

// PermissionRegistry maps permission names to bits. Built-ins are always present;
// config may add more up to 64 in total.
type PermissionRegistry struct {
	mu      sync.RWMutex
	perms   map[string]state.Permission
	nextBit uint
}

func NewPermissionRegistry() *PermissionRegistry {
	r := &PermissionRegistry{
		perms:   make(map[string]state.Permission, len(state.BuiltInPerms)),
		nextBit: state.FirstCustomBit(),
	}
	for name, perm := range state.BuiltInPerms {
		r.perms[name] = perm
	}
	return r
}

func (r *PermissionRegistry) Register(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := state.BuiltInPerms[name]; exists {
		return fmt.Errorf("'%s' is reserved for built in permission. please choose a different name", name)
	}
	if _, exists := r.perms[name]; exists {
		return fmt.Errorf("permission '%s' is already registered", name)
	}
	if r.nextBit >= 64 {
		return fmt.Errorf("cannot register new permission '%s': maximum of 64 permissions reached", name)
	}

	r.perms[name] = state.Permission(1) << r.nextBit
	r.nextBit++
	return nil
}

func (r *PermissionRegistry) Lookup(name string) (state.Permission, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.perms[name]
	return p, ok
}

// All returns a copy of the registry for inspection.
func (r *PermissionRegistry) All() map[string]state.Permission {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regCopy := make(map[string]state.Permission, len(r.perms))
	for k, v := range r.perms {
		regCopy[k] = v
	}
	return regCopy
}
