// Package provider fetches card lists and card artwork from the YGOPRODeck API.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/cardscan/internal/retry"
)

// DefaultBaseURL is the public YGOPRODeck API root.
const DefaultBaseURL = "https://db.ygoprodeck.com/api/v7"

// MaxImageBytes bounds a single artwork download.
const MaxImageBytes = 16 << 20

// Card is one entry of a catalog list in source order.
type Card struct {
	ID       string
	Name     string
	ImageRef string
}

// Source lists cards and loads their artwork.
type Source interface {
	FetchCards(ctx context.Context, language string) ([]Card, error)
	FetchImage(ctx context.Context, ref string) ([]byte, error)
}

// StatusError reports an unexpected HTTP status from the catalog service.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s returned %d", e.URL, e.StatusCode)
}

// Temporary marks server-side failures and rate limiting as retryable.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

type transportError struct{ err error }

func (e *transportError) Error() string   { return e.err.Error() }
func (e *transportError) Unwrap() error   { return e.err }
func (e *transportError) Temporary() bool { return true }

type cardInfoResponse struct {
	Data []struct {
		ID         int64  `json:"id"`
		Name       string `json:"name"`
		CardImages []struct {
			ImageURL        string `json:"image_url"`
			ImageURLCropped string `json:"image_url_cropped"`
		} `json:"card_images"`
	} `json:"data"`
}

// Client talks to the catalog HTTP API.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	policy     retry.Policy
	logger     *zap.Logger
}

var _ Source = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithRetryPolicy overrides the retry policy for catalog and image requests.
func WithRetryPolicy(policy retry.Policy) Option {
	return func(c *Client) {
		c.policy = policy
	}
}

// WithLogger sets the logger used for retry warnings.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger.Named("provider")
		}
	}
}

// WithUserAgent sets the User-Agent header sent with every request.
func WithUserAgent(userAgent string) Option {
	return func(c *Client) {
		c.userAgent = strings.TrimSpace(userAgent)
	}
}

// New creates a catalog client rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("catalog base url required")
	}
	client := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		userAgent:  "cardscan/1.0",
		httpClient: &http.Client{Timeout: 30 * time.Second},
		policy: retry.Policy{
			Attempts:       4,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     8 * time.Second,
			JitterFraction: 0.2,
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// FetchCards returns the card list for language in source order. An empty
// language or "en" requests the primary list.
func (c *Client) FetchCards(ctx context.Context, language string) ([]Card, error) {
	endpoint, err := url.Parse(c.baseURL + "/cardinfo.php")
	if err != nil {
		return nil, fmt.Errorf("parse catalog url: %w", err)
	}
	language = strings.ToLower(strings.TrimSpace(language))
	if language != "" && language != "en" {
		params := url.Values{}
		params.Set("language", language)
		endpoint.RawQuery = params.Encode()
	}

	var payload cardInfoResponse
	err = retry.Do(ctx, c.policy, c.logger, "catalog.fetch", language, func() error {
		body, err := c.get(ctx, endpoint.String(), 0)
		if err != nil {
			return err
		}
		payload = cardInfoResponse{}
		if err := json.Unmarshal(body, &payload); err != nil {
			return fmt.Errorf("decode catalog response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	cards := make([]Card, 0, len(payload.Data))
	for _, entry := range payload.Data {
		card := Card{ID: strconv.FormatInt(entry.ID, 10), Name: entry.Name}
		if len(entry.CardImages) > 0 {
			card.ImageRef = entry.CardImages[0].ImageURLCropped
			if card.ImageRef == "" {
				card.ImageRef = entry.CardImages[0].ImageURL
			}
		}
		cards = append(cards, card)
	}
	return cards, nil
}

// FetchImage loads artwork from an http(s) URL or a local file path.
func (c *Client) FetchImage(ctx context.Context, ref string) ([]byte, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, errors.New("empty image reference")
	}
	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		data, err := os.ReadFile(strings.TrimPrefix(ref, "file://"))
		if err != nil {
			return nil, fmt.Errorf("read image: %w", err)
		}
		return data, nil
	}

	var data []byte
	err := retry.Do(ctx, c.policy, c.logger, "image.fetch", ref, func() error {
		body, err := c.get(ctx, ref, MaxImageBytes)
		if err != nil {
			return err
		}
		data = body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *Client) get(ctx context.Context, target string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &transportError{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, &StatusError{URL: target, StatusCode: resp.StatusCode}
	}

	reader := io.Reader(resp.Body)
	if limit > 0 {
		reader = io.LimitReader(resp.Body, limit+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, &transportError{err: err}
	}
	if limit > 0 && int64(len(body)) > limit {
		return nil, fmt.Errorf("GET %s: body exceeds %d bytes", target, limit)
	}
	return body, nil
}
