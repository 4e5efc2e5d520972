// Package vision implements the ocr port against an HTTP vision-OCR
// endpoint. The provider exposes one JSON route per operation; requests
// carry the image inline as base64.
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/handlens/handlens/internal/ocr"
)

// Config configures the HTTP adapter.
type Config struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
	Client   *http.Client // optional, defaults to a fresh client
}

// Client calls the provider's hand-id and players routes.
type Client struct {
	cfg    Config
	http   *http.Client
	logger zerolog.Logger
}

// New validates cfg and builds the adapter. Missing endpoint or API key is
// a refusal, not a default: the pipeline must never run against a
// placeholder provider.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("vision: endpoint is required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("vision: API key is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	httpClient := cfg.Client
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, http: httpClient, logger: logger}, nil
}

type request struct {
	Operation string `json:"operation"`
	MediaType string `json:"media_type"`
	Image     string `json:"image"`
}

type handIDResponse struct {
	HandID string `json:"hand_id"`
	Found  bool   `json:"found"`
}

// ExtractHandID implements operation A.
func (c *Client) ExtractHandID(ctx context.Context, img ocr.Image) (ocr.HandIDResult, error) {
	body, err := c.post(ctx, "hand_id", img)
	if err != nil {
		return ocr.HandIDResult{}, err
	}
	var resp handIDResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return ocr.HandIDResult{}, ocr.Permanent(fmt.Errorf("decode hand_id response: %w", err))
	}
	if !resp.Found || resp.HandID == "" {
		return ocr.HandIDResult{}, nil
	}
	return ocr.HandIDResult{HandID: resp.HandID, Found: true}, nil
}

// ExtractPlayers implements operation B. The raw payload is schema-checked
// before decoding; violations surface as ocr_schema failures.
func (c *Client) ExtractPlayers(ctx context.Context, img ocr.Image) (ocr.PlayersResult, error) {
	body, err := c.post(ctx, "players", img)
	if err != nil {
		return ocr.PlayersResult{}, err
	}
	return ocr.DecodePlayersPayload(body)
}

func (c *Client) post(ctx context.Context, operation string, img ocr.Image) ([]byte, error) {
	payload, err := json.Marshal(request{
		Operation: operation,
		MediaType: img.MediaType,
		Image:     base64.StdEncoding.EncodeToString(img.Data),
	})
	if err != nil {
		return nil, ocr.Permanent(err)
	}

	url := c.cfg.Endpoint + "/v1/" + operation
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, ocr.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, ocr.Transient(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, ocr.Transient(err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		c.logger.Debug().Str("op", operation).Str("file", img.Filename).Int("status", resp.StatusCode).Msg("transient provider error")
		return nil, ocr.Transient(fmt.Errorf("%s: provider returned %d", operation, resp.StatusCode))
	default:
		return nil, ocr.Permanent(fmt.Errorf("%s: provider returned %d: %s", operation, resp.StatusCode, truncate(body, 200)))
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
