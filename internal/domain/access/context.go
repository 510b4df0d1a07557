// Package access decides whether a caller may act on a medical record and
// writes exactly one access log entry for every decision it makes.
package access

import "github.com/healthshare/healthshare/internal/platform/auth"

// Origin describes who is asking and from where.
type Origin struct {
	AccessorID string
	FacilityID string
	Purpose    string
	IPAddress  string
	UserAgent  string
}

// AuthContext is the credential of one request: either a presented
// capability token or a verified session. It is a value; nothing can
// change it after construction.
type AuthContext struct {
	token     string
	principal auth.Principal
	session   bool
	origin    Origin
}

func FromToken(token string, o Origin) AuthContext {
	return AuthContext{token: token, origin: o}
}

func FromSession(p auth.Principal, o Origin) AuthContext {
	return AuthContext{principal: p, session: true, origin: o}
}

// Token returns the presented capability token, if any.
func (a AuthContext) Token() (string, bool) { return a.token, !a.session }

// Principal returns the session principal, if any.
func (a AuthContext) Principal() (auth.Principal, bool) { return a.principal, a.session }

func (a AuthContext) Origin() Origin { return a.origin }
