// Package prom queries Prometheus for pod level CPU and memory utilization
// series, keyed by pod name label.
package prom

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Sample is one (timestamp, value) point of a series.
type Sample struct {
	Time  time.Time
	Value float64
}

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

// queryResponse mirrors the Prometheus HTTP API envelope.
type queryResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string `json:"resultType"`
		Result     []struct {
			Value  []json.RawMessage   `json:"value,omitempty"`
			Values [][]json.RawMessage `json:"values,omitempty"`
		} `json:"result"`
	} `json:"data"`
}

// Query runs an instant query and returns the first sample, if any.
func (c *Client) Query(ctx context.Context, query string) (*Sample, error) {
	q := url.Values{"query": {query}}
	res, err := c.get(ctx, "/api/v1/query", q)
	if err != nil {
		return nil, err
	}
	for _, r := range res.Data.Result {
		if len(r.Value) == 2 {
			return parseSample(r.Value)
		}
	}
	return nil, nil
}

// QueryRange runs a range query and returns the samples of the first series.
func (c *Client) QueryRange(ctx context.Context, query string, start, end time.Time, step time.Duration) ([]Sample, error) {
	q := url.Values{
		"query": {query},
		"start": {strconv.FormatInt(start.Unix(), 10)},
		"end":   {strconv.FormatInt(end.Unix(), 10)},
		"step":  {strconv.Itoa(int(step.Seconds()))},
	}
	res, err := c.get(ctx, "/api/v1/query_range", q)
	if err != nil {
		return nil, err
	}
	var samples []Sample
	for _, r := range res.Data.Result {
		for _, v := range r.Values {
			s, err := parseSample(v)
			if err != nil {
				return nil, err
			}
			samples = append(samples, *s)
		}
		break
	}
	return samples, nil
}

// PodCPUUsage returns the pod's CPU usage rate over the trailing window.
func (c *Client) PodCPUUsage(ctx context.Context, podName string, window time.Duration) (float64, error) {
	query := fmt.Sprintf(
		`sum(rate(container_cpu_usage_seconds_total{pod=%q}[%s]))`,
		podName, model(window))
	s, err := c.Query(ctx, query)
	if err != nil {
		return 0, err
	}
	if s == nil {
		return 0, nil
	}
	return s.Value, nil
}

func model(d time.Duration) string {
	return strconv.Itoa(int(d.Seconds())) + "s"
}

func (c *Client) get(ctx context.Context, path string, q url.Values) (*queryResponse, error) {
	u := c.baseURL + path + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("prometheus: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("prometheus: HTTP %d", res.StatusCode)
	}
	var out queryResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding prometheus response: %w", err)
	}
	if out.Status != "success" {
		return nil, fmt.Errorf("prometheus query status %q", out.Status)
	}
	return &out, nil
}

// parseSample decodes the [timestamp, "value"] pair format.
func parseSample(pair []json.RawMessage) (*Sample, error) {
	if len(pair) != 2 {
		return nil, fmt.Errorf("malformed sample pair")
	}
	var ts float64
	if err := json.Unmarshal(pair[0], &ts); err != nil {
		return nil, err
	}
	var raw string
	if err := json.Unmarshal(pair[1], &raw); err != nil {
		return nil, err
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, err
	}
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return &Sample{Time: time.Unix(sec, nsec), Value: value}, nil
}
