// /internal/relay/capture.go
package relay

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// CaptureClient reads the live audio of a relay instance from its
// companion capture endpoint. The endpoint serves 48kHz s16le stereo PCM,
// the same shape direct extraction produces.
type CaptureClient struct {
	baseURL string
	client  *http.Client
}

func NewCaptureClient(baseURL string) *CaptureClient {
	return &CaptureClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		// No overall timeout: the body is a live stream.
		client: &http.Client{},
	}
}

// Open starts capturing the instance's audio. The returned stream stays
// live until closed; the caller owns it.
func (c *CaptureClient) Open(ctx context.Context, instanceID string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.captureURL(instanceID), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open capture stream for %s: %w", instanceID, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("capture endpoint returned status %d for %s", resp.StatusCode, instanceID)
	}
	return resp.Body, nil
}

// Stop tells the capture service to stop streaming the instance's audio.
func (c *CaptureClient) Stop(ctx context.Context, instanceID string) error {
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(stopCtx, http.MethodDelete, c.captureURL(instanceID), nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("stop capture for %s: %w", instanceID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("capture stop returned status %d for %s", resp.StatusCode, instanceID)
	}
	return nil
}

func (c *CaptureClient) captureURL(instanceID string) string {
	return fmt.Sprintf("%s/capture/%s", c.baseURL, instanceID)
}
