package auth

import (
	"fmt"
	"net/http"
)

// MockClient trusts the `user_id` query parameter. Development only.
type MockClient struct {
	Client
}

func (c *MockClient) Auth(r *http.Request) (string, error) {
	uid := r.URL.Query().Get("user_id")
	if uid == "" {
		if cookie, err := r.Cookie("x-uid"); err == nil {
			uid = cookie.Value
		}
	}
	if uid == "" {
		return "", fmt.Errorf("empty user_id query and x-uid cookie")
	}
	return uid, nil
}
