package client

import (
	"context"
	"fmt"
	"net/url"

	"github.com/buildops/be-approvals/internal/authz"
	"github.com/buildops/be-approvals/internal/errors"
)

// EntitiesClient fetches resource attribute snapshots from the business
// entities service (estimates, budgets, purchase orders, …). It implements
// service.AttributeSource.
type EntitiesClient struct {
	client *httpClient
}

// NewEntitiesClient creates a client against the entities service base URL.
func NewEntitiesClient(baseURL string) *EntitiesClient {
	return &EntitiesClient{client: newHTTPClient(baseURL)}
}

type attributesResponse struct {
	DepartmentID string           `json:"department_id"`
	Visibility   string           `json:"visibility"`
	CreatedBy    string           `json:"created_by"`
	Status       string           `json:"status"`
	Amount       int64            `json:"amount"`
	Extra        map[string]int64 `json:"extra"`
}

// Snapshot fetches the current attribute snapshot for a resource.
func (c *EntitiesClient) Snapshot(ctx context.Context, resourceType, resourceID string) (authz.ResourceAttributes, error) {
	path := fmt.Sprintf("/api/v1/resources/attributes?type=%s&id=%s",
		url.QueryEscape(resourceType), url.QueryEscape(resourceID))

	var resp attributesResponse
	if err := c.client.Get(ctx, path, &resp); err != nil {
		return authz.ResourceAttributes{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to fetch resource attributes")
	}

	return authz.ResourceAttributes{
		DepartmentID: resp.DepartmentID,
		Visibility:   resp.Visibility,
		CreatedBy:    resp.CreatedBy,
		Status:       resp.Status,
		Amount:       resp.Amount,
		Extra:        resp.Extra,
	}, nil
}
