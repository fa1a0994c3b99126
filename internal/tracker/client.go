// Package tracker implements the HTTP rendezvous client discovery uses to
// register, deregister, heartbeat, and fetch WAN peers when a node sits
// behind a NAT that broadcast can't reach.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/larson-carter/exo-larson/internal/capabilities"
)

// defaultTimeout bounds every tracker HTTP call. §4.D requires a bounded,
// implementation-chosen timeout; 5s matches the spec's stated default.
const defaultTimeout = 5 * time.Second

// PeerRecord is the wire shape for both /register's body and each element
// of GET /peers's response array.
type PeerRecord struct {
	NodeID       string                    `json:"node_id"`
	IP           string                    `json:"ip"`
	Port         int                       `json:"port"`
	Capabilities capabilities.Capabilities `json:"device_capabilities"`
}

// Client talks to a tracker's rendezvous HTTP API. All methods log and
// swallow errors rather than propagating them as fatal — per §4.D,
// failure to reach the tracker must never abort discovery.
type Client struct {
	baseURL    string
	nodeID     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient builds a Client against baseURL for the given local node id.
func NewClient(baseURL, nodeID string) *Client {
	return &Client{
		baseURL:    baseURL,
		nodeID:     nodeID,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     slog.Default().With("component", "tracker"),
	}
}

// Register posts this node's record to the tracker. Returns false (with a
// logged, non-fatal error) on any failure, including an unexpected status.
func (c *Client) Register(ctx context.Context, ip string, port int, caps capabilities.Capabilities) bool {
	rec := PeerRecord{NodeID: c.nodeID, IP: ip, Port: port, Capabilities: caps}
	_, err := c.post(ctx, "/register", rec, http.StatusCreated)
	if err != nil {
		c.logger.Warn("tracker register failed", "error", err)
		return false
	}
	return true
}

// Deregister tells the tracker this node is leaving.
func (c *Client) Deregister(ctx context.Context) bool {
	body := struct {
		NodeID string `json:"node_id"`
	}{NodeID: c.nodeID}
	_, err := c.post(ctx, "/deregister", body, http.StatusOK)
	if err != nil {
		c.logger.Warn("tracker deregister failed", "error", err)
		return false
	}
	return true
}

// Heartbeat keeps this node's tracker registration alive.
func (c *Client) Heartbeat(ctx context.Context) bool {
	body := struct {
		ID string `json:"id"`
	}{ID: c.nodeID}
	_, err := c.post(ctx, "/heartbeat", body, http.StatusOK)
	if err != nil {
		c.logger.Warn("tracker heartbeat failed", "error", err)
		return false
	}
	return true
}

// Peers fetches the tracker's current peer list, filtering out this node's
// own record. Returns nil (with a logged error) on failure.
func (c *Client) Peers(ctx context.Context) []PeerRecord {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/peers", nil)
	if err != nil {
		c.logger.Warn("build tracker peers request failed", "error", err)
		return nil
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("tracker peers request failed", "error", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		c.logger.Warn("tracker peers unexpected status", "status", resp.StatusCode, "body", string(b))
		return nil
	}

	var records []PeerRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		c.logger.Warn("decode tracker peers failed", "error", err)
		return nil
	}

	filtered := records[:0]
	for _, r := range records {
		if r.NodeID != c.nodeID {
			filtered = append(filtered, r)
		}
	}
	return filtered
}

func (c *Client) post(ctx context.Context, path string, body any, wantStatus int) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != wantStatus {
		return nil, fmt.Errorf("%s: unexpected status %d (want %d): %s", path, resp.StatusCode, wantStatus, string(respBody))
	}
	return respBody, nil
}
