// Package notify delivers outbound notifications (signer turns, recharge
// failures) to the notification service over HTTP. Delivery is best-effort;
// callers decide whether a failure matters.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"firmalex.io/internal/credits"
	"firmalex.io/internal/obs"
	"firmalex.io/internal/signing"
)

// Client posts JSON notifications to a single endpoint. Sends are rate
// limited per organization so a burst of webhook activity for one tenant
// cannot starve the rest.
type Client struct {
	baseURL string
	http    *http.Client
	limits  *orgLimiters
}

var (
	_ signing.Notifier        = (*Client)(nil)
	_ credits.FailureNotifier = (*Client)(nil)
)

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		limits:  newOrgLimiters(defaultRatePerMinute, defaultBurst),
	}
}

func (c *Client) Send(ctx context.Context, n signing.Notification) error {
	if !c.limits.Allow(n.OrgID) {
		return fmt.Errorf("notification rate limit exceeded for organization %s", n.OrgID)
	}
	return c.post(ctx, "/v1/notifications", n)
}

func (c *Client) RechargeFailed(ctx context.Context, orgID string, cause error) error {
	if !c.limits.Allow(orgID) {
		return fmt.Errorf("notification rate limit exceeded for organization %s", orgID)
	}
	payload := map[string]string{
		"type":   "auto_recharge_failed",
		"org_id": orgID,
		"reason": cause.Error(),
	}
	return c.post(ctx, "/v1/notifications", payload)
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode >= 300 {
		obs.Warn("notification endpoint returned non-success", map[string]any{
			"status": resp.StatusCode,
			"path":   path,
		})
		return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
	}
	return nil
}
