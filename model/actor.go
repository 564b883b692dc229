package model

import "context"

// Role constants. RoleAdmin bypasses any RequiredRole check; there is no
// broader role hierarchy.
const (
	RoleCustomer  = "customer"
	RoleReviewer  = "reviewer"
	RoleInspector = "inspector"
	RoleAdmin     = "admin"
)

// Actor identifies who triggered a transition.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role,omitempty"`
}

// SystemActor is used for transitions applied by background processing, such
// as the SLA expiry sweep.
var SystemActor = Actor{ID: "system", Role: RoleAdmin}

// IsAdmin reports whether the actor holds the admin role.
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

type actorKey struct{}

// WithActor attaches the authenticated actor to the given context.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom extracts the actor from the context. The second return value is
// false when no actor is present.
func ActorFrom(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(Actor)
	return actor, ok
}
