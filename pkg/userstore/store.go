// Package userstore resolves account records owned by the catalogue's user
// service. This module only ever reads them.
package userstore

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("account not found")

type Account struct {
	ID          string   `json:"id"`
	Username    string   `json:"username"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
	Active      bool     `json:"active"`
}

// Store looks up accounts by id. Implementations return ErrNotFound for
// unknown ids.
type Store interface {
	Lookup(ctx context.Context, userID string) (Account, error)
}
