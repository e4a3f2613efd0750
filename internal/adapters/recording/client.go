// Package recording is the HTTP client for the external recording service.
package recording

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/core"
)

const defaultTimeout = 10 * time.Second

var (
	ErrNotConfirmed = errors.New("recording service did not confirm")
	ErrStatus       = errors.New("recording service error status")
)

type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client implements core.Recorder.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type createRequest struct {
	RoomID  string `json:"room_id"`
	OwnerID string `json:"owner_id"`
}

type startRequest struct {
	RoomID string `json:"room_id"`
}

type createResponse struct {
	Status bool `json:"status"`
}

// Start registers the recording and then starts it. The room flag may only
// flip once both calls succeeded.
func (c *Client) Start(ctx context.Context, req core.RecordingRequest) error {
	var res createResponse
	body := createRequest{RoomID: string(req.RoomID), OwnerID: string(req.OwnerID)}
	if err := c.post(ctx, "/recording-create", body, &res); err != nil {
		return err
	}
	if !res.Status {
		return ErrNotConfirmed
	}
	if err := c.post(ctx, "/recording-start", startRequest{RoomID: string(req.RoomID)}, nil); err != nil {
		return err
	}
	log.Info().Str("module", "recording").Str("room", string(req.RoomID)).Msg("recording started")
	return nil
}

func (c *Client) Stop(ctx context.Context, req core.RecordingRequest) error {
	body := createRequest{RoomID: string(req.RoomID), OwnerID: string(req.OwnerID)}
	if err := c.post(ctx, "/recording-stop", body, nil); err != nil {
		return err
	}
	log.Info().Str("module", "recording").Str("room", string(req.RoomID)).Msg("recording stopped")
	return nil
}

// post sends body as JSON and decodes the reply into out when out is set.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("recording %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s %d %s", ErrStatus, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("recording %s: decode: %w", path, err)
	}
	return nil
}
