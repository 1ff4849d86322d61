// Package posting provides the client of the downstream posting service:
// create, existence probe, and test-support cleanup.
package posting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/copperline/txrelay/transaction"
	log "github.com/sirupsen/logrus"
)

// requestTimeout bounds every call to the posting service.
const requestTimeout = 30 * time.Second

// Client is a stateless adapter of the posting service contract.
// Workers may share one instance freely.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a Client of the posting service at |baseURL|.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: requestTimeout},
	}
}

// postBody is the creation request of the posting service contract.
// Timestamps are RFC 3339.
type postBody struct {
	ID          string    `json:"id"`
	Amount      float64   `json:"amount"`
	Currency    string    `json:"currency"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
}

// Post issues the creation request of |txn|. Success iff the service responds
// 2xx. All other outcomes are errors, including an id-already-exists 400:
// the caller's post-write probe disambiguates those from true failures.
func (c *Client) Post(ctx context.Context, txn transaction.Transaction) error {
	var b, err = json.Marshal(postBody{
		ID:          txn.ID,
		Amount:      txn.Amount,
		Currency:    txn.Currency,
		Description: txn.Description,
		Timestamp:   txn.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("encoding transaction %s: %w", txn.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/transactions", bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("building request for %s: %w", txn.ID, err)
	}
	req.Header.Add("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("posting %s: %w", txn.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var excerpt, _ = io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("posting service responded %d: %s",
			resp.StatusCode, strings.TrimSpace(string(excerpt)))
	}
	return nil
}

// Get probes for an existing record of |id|: 200 means it exists, 404 that it
// doesn't. An unexpected status is logged and treated as not-exists, so that
// delivery errs toward re-posting, which the service's id uniqueness makes
// safe. Transport failures are returned to the caller.
func (c *Client) Get(ctx context.Context, id string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/transactions/"+url.PathEscape(id), nil)
	if err != nil {
		return false, fmt.Errorf("building request for %s: %w", id, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("probing %s: %w", id, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		log.WithFields(log.Fields{
			"id":     id,
			"status": resp.StatusCode,
		}).Warn("unexpected posting service response to existence probe")
		return false, nil
	}
}

// Cleanup clears all records of the posting service. Test support only.
func (c *Client) Cleanup(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/cleanup", nil)
	if err != nil {
		return fmt.Errorf("building cleanup request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cleaning up posting service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cleanup responded %d", resp.StatusCode)
	}
	return nil
}
