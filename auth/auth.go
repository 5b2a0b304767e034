package auth

import "net/http"

// Client authenticates an incoming request on the gateway side,
// returning the user id.
type Client interface {
	Auth(r *http.Request) (string, error)
}

// Credentials is the session collaborator on the app side: it supplies the
// signed-in user id and the bearer token attached to REST and socket calls.
// Token persistence and refresh are owned elsewhere.
type Credentials interface {
	UserId() string
	Token() string
}

// StaticCredentials is a fixed session, handy for tools and tests.
type StaticCredentials struct {
	Id          string
	BearerToken string
}

func (c *StaticCredentials) UserId() string { return c.Id }
func (c *StaticCredentials) Token() string  { return c.BearerToken }
