// Package subgraph implements the HTTP GraphQL clients the watchers poll:
// the escrow subgraph (balances, authorized signers) and the network
// subgraph (active allocations, closure/redemption status). Grounded on
// original_source/common/src/escrow_accounts.rs's own hand-rolled
// SubgraphClient, which itself is a thin net/http POST wrapper rather than
// a generic GraphQL client library — there's no such library in the
// example pack to adopt here either.
package subgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
)

// Client POSTs GraphQL queries to a single subgraph endpoint.
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient returns a Client targeting endpoint, with a bounded per-request
// timeout.
func NewClient(endpoint string, timeout time.Duration) *Client {
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
	}
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlError struct {
	Message string `json:"message"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors"`
}

// Query executes query against the endpoint and decodes the "data" field
// into out. Transient failures (network errors, 5xx, 429) are retried a
// few times with exponential backoff via cenkalti/backoff — the same
// library the teacher's ecosystem reaches for, used here instead of the
// deterministic backoffutil formula because subgraph hiccups benefit from
// jitter and this path isn't under an invariant that pins exact delays.
func (c *Client) Query(ctx context.Context, query string, variables map[string]any, out any) error {
	body, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("subgraph: marshal request: %w", err)
	}

	var gr graphqlResponse
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("subgraph: build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("subgraph: request %s: %w", c.endpoint, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("subgraph: %s returned status %d", c.endpoint, resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("subgraph: %s returned status %d", c.endpoint, resp.StatusCode))
		}

		gr = graphqlResponse{}
		if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
			return backoff.Permanent(fmt.Errorf("subgraph: decode response: %w", err))
		}
		return nil
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 200 * time.Millisecond
	retry.MaxElapsedTime = 5 * time.Second

	wrapped := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return op()
	}
	if err := backoff.Retry(wrapped, retry); err != nil {
		return err
	}
	if len(gr.Errors) > 0 {
		return fmt.Errorf("subgraph: %s: %s", c.endpoint, gr.Errors[0].Message)
	}
	if err := json.Unmarshal(gr.Data, out); err != nil {
		return fmt.Errorf("subgraph: decode data: %w", err)
	}
	return nil
}
