// Package sso implements the SAML single-sign-on engine: the browser
// authentication filter, the /ServiceLogin and /ServiceLogout endpoints,
// and header-based authentication for backend clients.
package sso

import (
	"context"
	"errors"
)

// ErrUserNotFound is returned by a UserResolver when the asserted subject
// has no matching account.
var ErrUserNotFound = errors.New("user not found")

// User is an authenticated principal. Properties carries the SAML assertion
// attributes merged over anything the resolver supplied.
type User struct {
	ID         string
	Name       string
	Token      string
	Properties map[string]string
}

// SetProperty stores a property, allocating the map on first use.
func (u *User) SetProperty(name, value string) {
	if u.Properties == nil {
		u.Properties = make(map[string]string)
	}
	u.Properties[name] = value
}

// UserResolver maps a SAML subject to a local user account.
type UserResolver interface {
	Resolve(ctx context.Context, subject string) (*User, error)
}

// Events receives authentication lifecycle notifications. Implementations
// must not block the calling request for long; publishing failures are the
// implementation's problem to log.
type Events interface {
	Authenticated(ctx context.Context, user *User)
	LoggedOut(ctx context.Context, user *User)
}

// TokenProvider exchanges user credentials for a security token. The
// default implementation speaks the OAuth2 password grant; deployments with
// a different token service plug in their own.
type TokenProvider interface {
	RequestToken(ctx context.Context, username, password string) (string, error)
}
