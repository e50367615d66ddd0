// Package auth verifies display session tokens and decides which topics a
// session may subscribe to. It never issues sessions for real users.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/appetiteclub/kds/pkg/enums/role"
	"github.com/appetiteclub/kds/pkg/event"
	"github.com/aquamarinepk/aqm"
)

// Role is the kind of display a session drives.
type Role string

const (
	RoleStation         Role = "station"
	RoleWaiter          Role = "waiter"
	RoleCashier         Role = "cashier"
	RoleCustomerDisplay Role = "customer-display"
	RoleManager         Role = "manager"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleStation, RoleWaiter, RoleCashier, RoleCustomerDisplay, RoleManager:
		return r, nil
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrUnauthorized, s)
}

// Context is the resolved identity of one connection, scoped to a branch.
type Context struct {
	Subject  string
	Branch   string
	Role     Role
	Stations []string
}

// Authorize reports whether ac may receive topics. It is consulted once,
// when the subscription is opened.
func (ac Context) Authorize(topics []event.Topic) error {
	if len(topics) == 0 {
		return fmt.Errorf("%w: no topics", ErrForbidden)
	}
	for _, t := range topics {
		if t.Branch != ac.Branch {
			return fmt.Errorf("%w: %s is outside branch %s", ErrForbidden, t, ac.Branch)
		}
		if !ac.allows(t) {
			return fmt.Errorf("%w: role %s cannot subscribe to %s", ErrForbidden, ac.Role, t)
		}
	}
	return nil
}

func (ac Context) allows(t event.Topic) bool {
	switch ac.Role {
	case RoleManager:
		return true
	case RoleStation:
		if t.IsRole() {
			return false
		}
		for _, s := range ac.Stations {
			if s == t.Scope {
				return true
			}
		}
		return false
	case RoleWaiter:
		return t.Scope == role.Roles.Waiter.Code()
	case RoleCashier:
		return t.Scope == role.Roles.Cashier.Code()
	case RoleCustomerDisplay:
		return t.Scope == role.Roles.CustomerDisplay.Code()
	}
	return false
}

// DefaultTopics are the topics a session gets when it does not ask for any.
func (ac Context) DefaultTopics() []event.Topic {
	switch ac.Role {
	case RoleStation:
		out := make([]event.Topic, 0, len(ac.Stations))
		for _, s := range ac.Stations {
			out = append(out, event.StationTopic(ac.Branch, s))
		}
		return out
	case RoleWaiter:
		return []event.Topic{event.RoleTopic(ac.Branch, role.Roles.Waiter)}
	case RoleCashier:
		return []event.Topic{event.RoleTopic(ac.Branch, role.Roles.Cashier)}
	case RoleCustomerDisplay:
		return []event.Topic{event.RoleTopic(ac.Branch, role.Roles.CustomerDisplay)}
	case RoleManager:
		out := make([]event.Topic, 0, len(role.All))
		for _, r := range role.All {
			out = append(out, event.RoleTopic(ac.Branch, r))
		}
		return out
	}
	return nil
}

// Authenticator turns a bearer token into a Context. With no secret
// configured every request is treated as a manager of the requested
// branch.
type Authenticator struct {
	jwt    *JWTManager
	logger aqm.Logger
}

func NewAuthenticator(secret string, logger aqm.Logger) *Authenticator {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	a := &Authenticator{logger: logger}
	if secret == "" {
		logger.Error("auth.jwt.secret is empty: display streams are NOT authenticated, do not run like this in production")
		return a
	}
	a.jwt = NewJWTManager(secret, 0)
	return a
}

// Enabled reports whether tokens are verified.
func (a *Authenticator) Enabled() bool {
	return a.jwt != nil
}

// Authenticate verifies token and returns its Context. branch is the branch
// the caller asked for; a token for another branch is rejected.
func (a *Authenticator) Authenticate(token, branch string) (Context, error) {
	if a.jwt == nil {
		return Context{Subject: "anonymous", Branch: branch, Role: RoleManager}, nil
	}
	if token == "" {
		return Context{}, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}

	claims, err := a.jwt.ValidateToken(token)
	if err != nil {
		return Context{}, err
	}
	r, err := ParseRole(claims.Role)
	if err != nil {
		return Context{}, err
	}
	if claims.Branch == "" {
		return Context{}, fmt.Errorf("%w: token has no branch", ErrUnauthorized)
	}
	if branch != "" && branch != claims.Branch {
		return Context{}, fmt.Errorf("%w: token is for branch %s", ErrForbidden, claims.Branch)
	}
	return Context{
		Subject:  claims.Subject,
		Branch:   claims.Branch,
		Role:     r,
		Stations: claims.Stations,
	}, nil
}

// TokenFromRequest reads the bearer token from the Authorization header or,
// for browser EventSource and WebSocket clients that cannot set headers,
// from the access_token query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if t, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(t)
		}
	}
	return r.URL.Query().Get("access_token")
}

type ctxKey struct{}

func WithContext(ctx context.Context, ac Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, ac)
}

func FromContext(ctx context.Context) (Context, bool) {
	ac, ok := ctx.Value(ctxKey{}).(Context)
	return ac, ok
}
