package authflow

import (
	"context"
	"encoding/json"
	"net/http"

	"altdeck/internal/model"
)

// The two identity endpoints report the same account under different
// field names; each gets its own response type rather than speculative
// parsing of one shape into the other.
type authenticatedUserResponse struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type mobileUserInfoResponse struct {
	UserID   int64  `json:"UserID"`
	UserName string `json:"UserName"`
}

// Identity resolves the display name and user id behind a session token.
// The primary endpoint is tried first, then the legacy mobile endpoint;
// when both fail the result is Unresolved rather than an error, because
// callers store the credential regardless.
func (c *Client) Identity(ctx context.Context, sessionToken string) model.Identity {
	var primary authenticatedUserResponse
	if ok := c.getJSON(ctx, c.usersBaseURL+"/v1/users/authenticated", sessionToken, &primary); ok && primary.Name != "" {
		return model.Identity{Resolved: true, UserID: primary.ID, Name: primary.Name}
	}
	var fallback mobileUserInfoResponse
	if ok := c.getJSON(ctx, c.webBaseURL+"/mobileapi/userinfo", sessionToken, &fallback); ok && fallback.UserName != "" {
		return model.Identity{Resolved: true, UserID: fallback.UserID, Name: fallback.UserName}
	}
	return model.Identity{}
}

func (c *Client) getJSON(ctx context.Context, rawURL, sessionToken string, out any) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return false
	}
	c.setSessionHeaders(req, sessionToken)
	resp, err := c.httpc.Do(req)
	if err != nil {
		return false
	}
	defer drain(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return false
	}
	return json.NewDecoder(resp.Body).Decode(out) == nil
}
