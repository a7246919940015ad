package client

import (
	"context"
	"fmt"
	"net/url"

	"github.com/buildops/be-approvals/internal/authz"
	"github.com/buildops/be-approvals/internal/errors"
)

// IdentityClient resolves users from the platform identity service. The
// identity service owns role/department/position assignment storage; this
// service only consumes the resolved snapshot.
type IdentityClient struct {
	client *httpClient
}

// NewIdentityClient creates a client against the identity service base URL.
func NewIdentityClient(baseURL string) *IdentityClient {
	return &IdentityClient{client: newHTTPClient(baseURL)}
}

type userResponse struct {
	ID            string   `json:"id"`
	DepartmentIDs []string `json:"department_ids"`
	PositionID    string   `json:"position_id"`
	SystemLevel   string   `json:"system_level"`
	Roles         []string `json:"roles"`
	IsAdmin       bool     `json:"is_admin"`
}

// GetUser fetches a user with assignments resolved.
func (c *IdentityClient) GetUser(ctx context.Context, userID string) (*authz.User, error) {
	path := fmt.Sprintf("/api/v1/users/get?id=%s", url.QueryEscape(userID))

	// A caller whose identity cannot be resolved is not authenticated;
	// surfacing this as an internal failure would turn a bad or stale
	// X-User-ID into a 500.
	var resp userResponse
	if err := c.client.Get(ctx, path, &resp); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeUnauthenticated, "unable to resolve calling user")
	}

	return &authz.User{
		ID:            resp.ID,
		DepartmentIDs: resp.DepartmentIDs,
		PositionID:    resp.PositionID,
		SystemLevel:   resp.SystemLevel,
		Roles:         resp.Roles,
		IsAdmin:       resp.IsAdmin,
	}, nil
}
