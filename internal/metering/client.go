/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metering talks to the external metering service: the billing
// ledger tracking resource-unit consumption per user per pod. The same
// open/close pair that the container lifecycle hooks issue via curl is also
// available here for the orchestrator's admission check and for reconciling
// records the hooks missed.
package metering

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrNoSubscription means the user has no subscription for the
	// requested resource.
	ErrNoSubscription = errors.New("no subscription for resource")
	// ErrSubscriptionExpired means the subscription exists but lapsed.
	ErrSubscriptionExpired = errors.New("subscription expired")
	// ErrSubscriptionExceeded means the subscription's allowance is used up.
	ErrSubscriptionExceeded = errors.New("subscription exceeded")
)

// Subscriber is the metering-side identity a usage record is billed to.
type Subscriber struct {
	ID          string    `json:"id"`
	ResourceKey string    `json:"resourceKey"`
	Valid       bool      `json:"valid"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Exceeded    bool      `json:"exceeded"`
}

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// CheckSubscriber verifies the hard precondition for pod creation: a valid,
// non-expired, non-exceeded subscription for the resource key. Each failure
// mode maps to its own typed error so the HTTP layer can report a precise
// admission code.
func (c *Client) CheckSubscriber(ctx context.Context, userID, resourceKey string) (*Subscriber, error) {
	url := fmt.Sprintf("%s/v1/subscriber?user=%s&resource=%s", c.baseURL, userID, resourceKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("metering subscriber check: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil, ErrNoSubscription
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metering subscriber check: HTTP %d", res.StatusCode)
	}
	var sub Subscriber
	if err := json.NewDecoder(res.Body).Decode(&sub); err != nil {
		return nil, fmt.Errorf("decoding subscriber: %w", err)
	}
	switch {
	case !sub.Valid:
		return nil, ErrNoSubscription
	case !sub.ExpiresAt.IsZero() && sub.ExpiresAt.Before(time.Now()):
		return nil, ErrSubscriptionExpired
	case sub.Exceeded:
		return nil, ErrSubscriptionExceeded
	}
	return &sub, nil
}

// OpenUsage creates the usage record for a pod. Normally the postStart hook
// does this from inside the pod; the orchestrator calls it directly for
// workloads whose image cannot run the hook.
func (c *Client) OpenUsage(ctx context.Context, subscriberID, resourceKey, resourceRequest, podID string) error {
	body, err := json.Marshal(map[string]string{
		"resourceKey":     resourceKey,
		"resourceRequest": resourceRequest,
		"podId":           podID,
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/v1/subscriber/%s/request", c.baseURL, subscriberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("opening usage record: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return fmt.Errorf("opening usage record: HTTP %d", res.StatusCode)
	}
	return nil
}

// CloseUsage issues the final usage update for a pod. Safe to repeat: the
// metering service treats a second final update as a no-op.
func (c *Client) CloseUsage(ctx context.Context, podID string) error {
	url := fmt.Sprintf("%s/v1/usage/%s?is_last_update=True", c.baseURL, podID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, nil)
	if err != nil {
		return err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("closing usage record: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return fmt.Errorf("closing usage record: HTTP %d", res.StatusCode)
	}
	return nil
}
