// Package tenant carries the authorization scope every request runs under.
// Storage and service code never trusts caller-supplied tenant ids; the scope
// is established once at the edge from a verified token and flows down the
// context.
package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/obanteq/open-mmb-go/internal/core/money"
)

// Actor types the platform recognizes.
const (
	ActorUser    = "user"
	ActorAgent   = "agent"
	ActorDevice  = "device"
	ActorService = "service"
)

// Scope is the verified identity of a request: which tenant it belongs to
// and which actor is making it.
type Scope struct {
	Tenant    money.TenantID
	ActorID   string
	ActorType string
}

var (
	// ErrNoScope means the request never passed the authentication edge.
	ErrNoScope = errors.New("no tenant scope on context")
	// ErrForbidden means the scope is valid but does not cover the
	// requested resource.
	ErrForbidden = errors.New("tenant scope does not cover resource")
)

type contextKey struct{}

func With(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

func From(ctx context.Context) (Scope, bool) {
	s, ok := ctx.Value(contextKey{}).(Scope)
	return s, ok
}

// NewScope validates the raw claim values.
func NewScope(tenantID, actorID, actorType string) (Scope, error) {
	tnt, err := money.ParseTenantID(tenantID)
	if err != nil {
		return Scope{}, err
	}
	if actorID == "" {
		return Scope{}, errors.New("actor id is required")
	}
	switch actorType {
	case ActorUser, ActorAgent, ActorDevice, ActorService:
	default:
		return Scope{}, fmt.Errorf("unknown actor type %q", actorType)
	}
	return Scope{Tenant: tnt, ActorID: actorID, ActorType: actorType}, nil
}

// Require returns the scope on the context, failing closed when absent.
func Require(ctx context.Context) (Scope, error) {
	s, ok := From(ctx)
	if !ok {
		return Scope{}, ErrNoScope
	}
	return s, nil
}

// Authorize checks that the context scope covers the tenant a handler is
// about to touch. Every handler calls this before any storage access.
func Authorize(ctx context.Context, resourceTenant money.TenantID) (Scope, error) {
	s, err := Require(ctx)
	if err != nil {
		return Scope{}, err
	}
	if s.Tenant != resourceTenant {
		return Scope{}, fmt.Errorf("%w: scope %s, resource %s", ErrForbidden, s.Tenant, resourceTenant)
	}
	return s, nil
}
