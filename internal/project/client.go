// Package project talks to the external project service for resource quota
// allocations and project metadata. Lookups are cached briefly because the
// quota gate and the affinity resolver both hit the same endpoints on every
// workload start.
package project

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Metadata is the subset of project metadata the spawner consumes.
type Metadata struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	GroupEnv string `json:"groupenv,omitempty"`
}

// Quota is the project's storage allocation in bytes.
type Quota struct {
	ResourceQuota int64 `json:"resourceQuota"`
}

type Client struct {
	baseURL string
	http    *http.Client
	cache   *gocache.Cache
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		cache:   gocache.New(time.Minute, 5*time.Minute),
	}
}

// Quota fetches the project's storage allocation.
func (c *Client) Quota(ctx context.Context, projectID string) (*Quota, error) {
	if cached, ok := c.cache.Get("quota/" + projectID); ok {
		q := cached.(Quota)
		return &q, nil
	}
	var q Quota
	url := fmt.Sprintf("%s/secured/api/project/v1/resource/%s", c.baseURL, projectID)
	if err := c.getJSON(ctx, url, &q); err != nil {
		return nil, err
	}
	c.cache.SetDefault("quota/"+projectID, q)
	return &q, nil
}

// Metadata fetches project metadata, including the optional groupenv label
// that selects GPU affinity rules.
func (c *Client) Metadata(ctx context.Context, projectID string) (*Metadata, error) {
	if cached, ok := c.cache.Get("meta/" + projectID); ok {
		m := cached.(Metadata)
		return &m, nil
	}
	var m Metadata
	url := fmt.Sprintf("%s/secured/api/project/v1/%s", c.baseURL, projectID)
	if err := c.getJSON(ctx, url, &m); err != nil {
		return nil, err
	}
	c.cache.SetDefault("meta/"+projectID, m)
	return &m, nil
}

// GroupEnv resolves the project's groupenv label. Any failure returns an
// empty label: affinity lookup failure is non-fatal and means no affinity.
func (c *Client) GroupEnv(ctx context.Context, projectID string) string {
	meta, err := c.Metadata(ctx, projectID)
	if err != nil {
		return ""
	}
	return meta.GroupEnv
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("project service: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("project service: HTTP %d for %s", res.StatusCode, url)
	}
	return json.NewDecoder(res.Body).Decode(out)
}
