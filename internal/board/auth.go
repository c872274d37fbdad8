package board

import "net/http"

// AuthConfig stamps credentials onto an outgoing API request.
type AuthConfig interface {
	Apply(req *http.Request)
}

// NoAuth sends requests unauthenticated. Stub transports in tests use it.
type NoAuth struct{}

func (a NoAuth) Apply(req *http.Request) {}

// BearerToken authenticates with an OAuth access token.
type BearerToken struct {
	Token string
}

func (a BearerToken) Apply(req *http.Request) {
	if a.Token == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+a.Token)
}

// PersonalToken authenticates with a personal API token, which the board
// API expects bare in the Authorization header rather than as a Bearer
// scheme.
type PersonalToken struct {
	Token string
}

func (a PersonalToken) Apply(req *http.Request) {
	if a.Token == "" {
		return
	}
	req.Header.Set("Authorization", a.Token)
}
