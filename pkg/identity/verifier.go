// Package identity turns a bearer token into a verified principal.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/a-essam23/scheme-live/pkg/config"
	"github.com/a-essam23/scheme-live/pkg/state"
	"github.com/a-essam23/scheme-live/pkg/userstore"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrAccountInactive = errors.New("account inactive")
)

// AppClaims defines our custom JWT claims structure.
type AppClaims struct {
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret []byte
	parser *jwt.Parser
	store  userstore.Store
	perms  *config.PermissionRegistry
	logger *slog.Logger
}

func NewVerifier(logger *slog.Logger, auth config.AuthConfig, store userstore.Store, perms *config.PermissionRegistry) *Verifier {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if auth.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(auth.Issuer))
	}
	return &Verifier{
		secret: []byte(auth.JWTSecret),
		parser: jwt.NewParser(opts...),
		store:  store,
		perms:  perms,
		logger: logger.With(slog.String("component", "identity")),
	}
}

// Verify validates the token and loads the account it names. Token problems
// and unknown accounts are ErrUnauthenticated; disabled accounts are
// ErrAccountInactive. Any other error is a user store failure.
func (v *Verifier) Verify(ctx context.Context, token string) (state.Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" || strings.Count(token, ".") != 2 {
		return state.Principal{}, ErrUnauthenticated
	}

	var claims AppClaims
	parsed, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return state.Principal{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return state.Principal{}, fmt.Errorf("%w: token missing 'sub' claim", ErrUnauthenticated)
	}

	account, err := v.store.Lookup(ctx, claims.Subject)
	if errors.Is(err, userstore.ErrNotFound) {
		return state.Principal{}, fmt.Errorf("%w: unknown account", ErrUnauthenticated)
	}
	if err != nil {
		return state.Principal{}, fmt.Errorf("lookup account: %w", err)
	}
	if !account.Active {
		return state.Principal{}, ErrAccountInactive
	}

	perms, unknown := v.perms.CompileKnown(account.Permissions)
	if len(unknown) > 0 {
		v.logger.Warn("Account holds unregistered permissions; ignoring them",
			slog.String("userID", account.ID),
			slog.Any("permissions", unknown),
		)
	}

	username := account.Username
	if username == "" {
		username = claims.Username
	}
	return state.Principal{
		UserID:      account.ID,
		Username:    username,
		Role:        account.Role,
		Permissions: perms,
	}, nil
}
