// Package enroll implements the one-shot enrollment exchange and the
// connection probe used by the CLI.
package enroll

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/rs/zerolog"

	"fleetguard/agent/internal/logger"
	"fleetguard/network"
)

const (
	maxRetries     = 3
	initialBackoff = 2 * time.Second
	maxBackoff     = 15 * time.Second
)

// ErrKeyRejected means the server refused the enrollment key. Retrying
// with the same key will not succeed.
var ErrKeyRejected = errors.New("enrollment key rejected")

// Client performs the enrollment HTTP calls against the management server.
type Client struct {
	http *http.Client
	log  zerolog.Logger
}

func NewClient(timeout time.Duration) *Client {
	return &Client{
		http: &http.Client{Timeout: timeout},
		log:  logger.C("enroll"),
	}
}

// Enroll exchanges an enrollment key for an identity and credential.
// Transient failures are retried; a rejected key is returned immediately.
func (c *Client) Enroll(ctx context.Context, serverURL, key, site string, tags []string) (*network.EnrollResponse, error) {
	hostname, _ := os.Hostname()
	req := network.EnrollRequest{
		EnrollKey: key,
		Hostname:  hostname,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Version:   network.AgentVersion,
		Site:      site,
		Tags:      tags,
	}

	var resp network.EnrollResponse
	err := retry.Do(func() error {
		body, err := c.post(ctx, serverURL, "/api/agent/enroll", "", req)
		if err != nil {
			return err
		}
		return json.Unmarshal(body, &resp)
	}, retry.Attempts(maxRetries), retry.Delay(initialBackoff), retry.MaxDelay(maxBackoff))
	if err != nil {
		return nil, err
	}

	if resp.AgentID == "" || resp.Credential == "" {
		return nil, errors.New("server returned an incomplete enrollment response")
	}
	c.log.Info().Str("agentId", resp.AgentID).Str("orgId", resp.OrgID).Msg("enrolled")
	return &resp, nil
}

// Unenroll revokes the agent's credential server-side. A credential the
// server no longer recognizes counts as success.
func (c *Client) Unenroll(ctx context.Context, serverURL, agentID, credential string) error {
	payload := map[string]string{"agentId": agentID}
	err := retry.Do(func() error {
		_, err := c.post(ctx, serverURL, "/api/agent/unenroll", credential, payload)
		if errors.Is(err, errUnauthorized) {
			return nil
		}
		return err
	}, retry.Attempts(maxRetries), retry.Delay(initialBackoff), retry.MaxDelay(maxBackoff))
	if err != nil {
		return err
	}
	c.log.Info().Str("agentId", agentID).Msg("unenrolled")
	return nil
}

// TestConnection probes server reachability and reports the round-trip
// latency of a single ping.
func (c *Client) TestConnection(ctx context.Context, serverURL string) (time.Duration, error) {
	url := strings.TrimRight(serverURL, "/") + "/api/agent/ping"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("reach %s: %w", serverURL, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("server responded %s", resp.Status)
	}
	return time.Since(start), nil
}

var errUnauthorized = errors.New("unauthorized")

func (c *Client) post(ctx context.Context, serverURL, path, credential string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	url := strings.TrimRight(serverURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, errUnauthorized
	case resp.StatusCode == http.StatusForbidden:
		// Key rejection is final, bail out of the retry loop.
		return nil, retry.Unrecoverable(ErrKeyRejected)
	default:
		return nil, fmt.Errorf("%s: server responded %s", path, resp.Status)
	}
}
