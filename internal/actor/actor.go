package actor

import "context"

type Role string

const (
	RoleSeller Role = "SELLER"
	RoleBuyer  Role = "BUYER"
)

// Actor is the authenticated caller of an operation. It is always passed
// explicitly; the core never reads it from ambient state.
type Actor struct {
	ID   string
	Role Role
}

func (a Actor) IsSeller() bool { return a.Role == RoleSeller }

func (r Role) Valid() bool {
	return r == RoleSeller || r == RoleBuyer
}

type ctxKey struct{}

// WithActor stores the actor for the transport layer. Handlers pull it back
// out with FromContext and hand it to the core as a plain argument.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

func FromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(ctxKey{}).(Actor)
	return a, ok && a.ID != ""
}
