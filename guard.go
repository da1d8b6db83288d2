package mutacache

import "context"

// Principal is the identity a hook acts as.
type Principal struct {
	UserID string
	Admin  bool
}

// Scope is the key/channel scope of p. The zero Principal maps to the
// anonymous sentinel.
func (p Principal) Scope() string { return p.UserID }

// Guard is the single precondition every hook evaluates before touching the
// cache or the service. Check returns ErrUnauthenticated (or an error that
// Is it) when there is no usable session.
type Guard interface {
	Check(ctx context.Context) (Principal, error)
}

// GuardFunc adapts a function to Guard.
type GuardFunc func(ctx context.Context) (Principal, error)

func (f GuardFunc) Check(ctx context.Context) (Principal, error) { return f(ctx) }

// Anonymous always passes with the zero Principal.
var Anonymous Guard = GuardFunc(func(context.Context) (Principal, error) { return Principal{}, nil })

// As always passes with p. Handy for tests and server-side jobs.
func As(p Principal) Guard {
	return GuardFunc(func(context.Context) (Principal, error) { return p, nil })
}

// Resolve evaluates g once and returns the principal together with a Guard
// that replays the same outcome, so a hook can derive its keys and pass the
// guard on without a second check.
func Resolve(ctx context.Context, g Guard) (Principal, Guard, error) {
	if g == nil {
		g = Anonymous
	}
	p, err := g.Check(ctx)
	if err != nil {
		return Principal{}, GuardFunc(func(context.Context) (Principal, error) { return Principal{}, err }), err
	}
	return p, As(p), nil
}

// RequireAdmin wraps g so that non-admin principals fail with a forbidden
// authorization error.
func RequireAdmin(g Guard) Guard {
	if g == nil {
		g = Anonymous
	}
	return GuardFunc(func(ctx context.Context) (Principal, error) {
		p, err := g.Check(ctx)
		if err != nil {
			return Principal{}, err
		}
		if !p.Admin {
			return Principal{}, ErrForbidden
		}
		return p, nil
	})
}
