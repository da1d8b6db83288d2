// Package auth turns backend access tokens into the session every hook is
// guarded by. Tokens are JWTs as issued by Supabase-style auth servers: the
// subject is the user id, "role" is the application role and "exp" is
// required.
package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/unkn0wn-root/mutacache"
)

const defaultAdminRole = "admin"

// ErrNoSubject is returned for tokens without a "sub" claim.
var ErrNoSubject = errors.New("auth: token has no subject")

// Session is one signed-in user.
type Session struct {
	UserID    string
	Role      string
	ExpiresAt time.Time
	Token     string
}

// Expired reports whether s is no longer usable at now.
func (s Session) Expired(now time.Time) bool { return !now.Before(s.ExpiresAt) }

type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// ParseSession verifies token and extracts the session. Expired tokens fail
// with an error that Is mutacache.ErrSessionExpired; every other failure Is
// mutacache.ErrUnauthenticated.
func ParseSession(token string, key jwt.Keyfunc, opts ...jwt.ParserOption) (Session, error) {
	opts = append([]jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
	}, opts...)

	var cl claims
	if _, err := jwt.ParseWithClaims(token, &cl, key, opts...); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Session{}, mutacache.ErrSessionExpired.Wrap(err)
		}
		return Session{}, unauthenticated(err)
	}
	if cl.Subject == "" {
		return Session{}, unauthenticated(ErrNoSubject)
	}
	return Session{
		UserID:    cl.Subject,
		Role:      cl.Role,
		ExpiresAt: cl.ExpiresAt.Time,
		Token:     token,
	}, nil
}

func unauthenticated(err error) *mutacache.ClassifiedError {
	return mutacache.NewError(mutacache.CategoryAuthorization, mutacache.CodeUnauthenticated, err.Error()).Wrap(err)
}

// Secret is a Keyfunc for HMAC-signed tokens.
func Secret(secret []byte) jwt.Keyfunc {
	return func(*jwt.Token) (any, error) { return secret, nil }
}

type GuardOptions struct {
	// Keyfunc verifies token signatures. Required.
	Keyfunc jwt.Keyfunc
	// Methods are the accepted signing algorithms. nil => HS256.
	Methods []string
	// AdminRole is the role claim that grants the admin view. "" => "admin".
	AdminRole string
	// Entities whose per-user key space is dropped on sign-out.
	Entities []mutacache.Entity
	Logger   mutacache.Logger
	Now      func() time.Time
}

// Guard holds the current session and is the precondition every hook
// checks. It is safe for concurrent use.
type Guard struct {
	store    *mutacache.Store
	keyfunc  jwt.Keyfunc
	methods  []string
	admin    string
	entities []mutacache.Entity
	log      mutacache.Logger
	now      func() time.Time

	mu   sync.RWMutex
	sess *Session
}

var _ mutacache.Guard = (*Guard)(nil)

func NewGuard(s *mutacache.Store, opts GuardOptions) *Guard {
	g := &Guard{
		store:    s,
		keyfunc:  opts.Keyfunc,
		methods:  opts.Methods,
		admin:    opts.AdminRole,
		entities: opts.Entities,
		log:      opts.Logger,
		now:      opts.Now,
	}
	if g.methods == nil {
		g.methods = []string{"HS256"}
	}
	if g.admin == "" {
		g.admin = defaultAdminRole
	}
	if g.log == nil {
		g.log = mutacache.NopLogger{}
	}
	g.log = g.log.With(mutacache.Fields{"component": "auth"})
	if g.now == nil {
		g.now = time.Now
	}
	return g
}

// SignIn verifies token and makes it the current session. A different user
// signing in first signs the previous one out.
func (g *Guard) SignIn(ctx context.Context, token string) (Session, error) {
	if g.keyfunc == nil {
		return Session{}, unauthenticated(errors.New("auth: no keyfunc configured"))
	}
	sess, err := ParseSession(token, g.keyfunc,
		jwt.WithValidMethods(g.methods),
		jwt.WithTimeFunc(g.now),
	)
	if err != nil {
		g.log.Info("sign-in rejected", mutacache.Fields{"err": err})
		return Session{}, err
	}

	g.mu.Lock()
	prev := g.sess
	g.sess = &sess
	g.mu.Unlock()

	if prev != nil && prev.UserID != sess.UserID {
		g.drop(ctx, prev.UserID)
	}
	g.log.Info("signed in", mutacache.Fields{"user": sess.UserID, "role": sess.Role})
	return sess, nil
}

// Session returns the current session, if any.
func (g *Guard) Session() (Session, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.sess == nil {
		return Session{}, false
	}
	return *g.sess, true
}

// Check returns the signed-in principal, ErrUnauthenticated without a
// session and ErrSessionExpired once the token's expiry has passed.
func (g *Guard) Check(ctx context.Context) (mutacache.Principal, error) {
	if err := ctx.Err(); err != nil {
		return mutacache.Principal{}, err
	}
	sess, ok := g.Session()
	if !ok {
		return mutacache.Principal{}, mutacache.ErrUnauthenticated
	}
	if sess.Expired(g.now()) {
		return mutacache.Principal{}, mutacache.ErrSessionExpired
	}
	return mutacache.Principal{UserID: sess.UserID, Admin: sess.Role == g.admin}, nil
}

// SignOut clears the session and removes everything cached for the user.
func (g *Guard) SignOut(ctx context.Context) {
	g.mu.Lock()
	prev := g.sess
	g.sess = nil
	g.mu.Unlock()
	if prev == nil {
		return
	}
	g.drop(ctx, prev.UserID)
	g.log.Info("signed out", mutacache.Fields{"user": prev.UserID})
}

// Expire signs out if scope is the current user. It matches
// EngineOptions.OnSessionExpired.
func (g *Guard) Expire(ctx context.Context, scope string) {
	sess, ok := g.Session()
	if !ok || sess.UserID != scope {
		return
	}
	g.log.Warn("session expired", mutacache.Fields{"user": scope})
	g.SignOut(ctx)
}

func (g *Guard) drop(ctx context.Context, userID string) {
	n := 0
	for _, e := range g.entities {
		if e.Isolation != mutacache.UserSpecific {
			continue
		}
		n += g.store.Remove(ctx, mutacache.KeysFor(e).All(userID))
	}
	g.log.Debug("dropped user cache", mutacache.Fields{"user": userID, "entries": n})
}
