package scope

import (
	"errors"
	"strings"
)

// Scope names a broadcast target: user:<id>, role:<name> or resource:<type>:<id>.
type Scope string

const (
	userPrefix     = "user:"
	rolePrefix     = "role:"
	resourcePrefix = "resource:"
)

var ErrInvalidResource = errors.New("resource type and id are required")

func User(userID string) Scope { return Scope(userPrefix + userID) }

func Role(role string) Scope { return Scope(rolePrefix + role) }

// Resource builds the scope for an editing session on one document.
func Resource(resourceType, resourceID string) (Scope, error) {
	resourceType = strings.TrimSpace(resourceType)
	resourceID = strings.TrimSpace(resourceID)
	if resourceType == "" || resourceID == "" || strings.Contains(resourceType, ":") {
		return "", ErrInvalidResource
	}
	return Scope(resourcePrefix + resourceType + ":" + resourceID), nil
}

func (s Scope) IsResource() bool { return strings.HasPrefix(string(s), resourcePrefix) }

// ResourceParts splits a resource scope into its type and id.
func (s Scope) ResourceParts() (resourceType, resourceID string, ok bool) {
	if !s.IsResource() {
		return "", "", false
	}
	rest := strings.TrimPrefix(string(s), resourcePrefix)
	resourceType, resourceID, ok = strings.Cut(rest, ":")
	return resourceType, resourceID, ok
}

func (s Scope) String() string { return string(s) }
