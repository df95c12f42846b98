package sync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "github.com/mvelasco/posqueue/internal/errors"
	"github.com/mvelasco/posqueue/internal/models"
)

// Submitter sends a queued sale to the remote API. Implementations must
// return errors classified via the errors package: SYNC_TRANSIENT for
// failures worth retrying (network error, timeout, 5xx) and SYNC_PERMANENT
// for rejections that will keep failing until the payload changes (4xx).
type Submitter interface {
	Submit(ctx context.Context, sale *models.QueuedSale) error
}

// APIClient submits sales to the remote sale-creation endpoint.
type APIClient struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// maxErrorBody caps how much of a rejection body is kept as failure detail.
const maxErrorBody = 512

// NewAPIClient creates a new APIClient. Request deadlines come from the
// context passed to Submit, not from a client-wide timeout.
func NewAPIClient(baseURL, authToken string) *APIClient {
	return &APIClient{
		baseURL:   baseURL,
		authToken: authToken,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

// Submit POSTs the sale payload to {base}/sales. The local ID travels in the
// X-Local-ID header so the server can deduplicate a retried submission.
func (c *APIClient) Submit(ctx context.Context, sale *models.QueuedSale) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sales", bytes.NewReader(sale.Payload))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrSyncPermanent, "failed to build request", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Local-ID", sale.LocalID)
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Connection refused, DNS failure, timeout: all worth retrying once
		// connectivity is back.
		return apperrors.Wrap(apperrors.ErrSyncTransient, "sale submission failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	detail := fmt.Sprintf("server returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))

	if c.isTransientStatus(resp.StatusCode) {
		return apperrors.New(apperrors.ErrSyncTransient, detail)
	}
	return apperrors.New(apperrors.ErrSyncPermanent, detail)
}

// isTransientStatus classifies HTTP status codes: 5xx and 429 are server-side
// or load conditions that retrying can fix, other 4xx mean the payload itself
// is rejected.
func (c *APIClient) isTransientStatus(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}

// Healthy probes the API root for reachability. Used by the connectivity
// monitor; any HTTP response at all counts as reachable.
func (c *APIClient) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
