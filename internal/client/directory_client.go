package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// DirectoryClient calls the platform directory service for authorization
// checks. With an empty base URL it degrades to allow-all, which keeps local
// development working without the platform stack running.
type DirectoryClient struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// NewDirectoryClient creates a directory client against baseURL.
func NewDirectoryClient(baseURL string, log zerolog.Logger) *DirectoryClient {
	return &DirectoryClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		log:     log,
	}
}

type authzCheckResponse struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// IsAuthorized asks the directory whether the actor may perform action for a
// department.
func (c *DirectoryClient) IsAuthorized(ctx context.Context, actorID, departmentID, action string) (bool, error) {
	if c.baseURL == "" {
		c.log.Debug().
			Str("actor", actorID).
			Str("department_id", departmentID).
			Msg("directory: no base URL configured, allowing")
		return true, nil
	}

	path := fmt.Sprintf("/api/v1/authz/check?actor_id=%s&department_id=%s&action=%s",
		url.QueryEscape(actorID), url.QueryEscape(departmentID), url.QueryEscape(action))

	var resp authzCheckResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return false, fmt.Errorf("failed to check authorization: %w", err)
	}
	return resp.Allowed, nil
}

// get issues a GET against the directory service and decodes the JSON body.
func (c *DirectoryClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("directory service returned status %d", res.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}
