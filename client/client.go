// Package client is a Go client for the interlease scheduling server.
package client

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
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
	APIKey  string
	// UserID is sent as X-User-ID, which the server honours for localhost
	// requests made without an API key.
	UserID string
}

type Option func(*Client)

func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.APIKey = strings.TrimSpace(key)
	}
}

func WithUser(userID string) Option {
	return func(c *Client) {
		c.UserID = strings.TrimSpace(userID)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.HTTP = httpClient
		}
	}
}

// Interval is a closed range of YYYY-MM-DD dates.
type Interval struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type Resource struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

type Reservation struct {
	ID               string     `json:"id"`
	ResourceID       string     `json:"resource_id"`
	RequesterID      string     `json:"requester_id"`
	OwnerID          string     `json:"owner_id"`
	Interval         Interval   `json:"interval"`
	Amount           float64    `json:"amount"`
	Status           string     `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
	DecidedAt        *time.Time `json:"decided_at,omitempty"`
	RequesterMessage string     `json:"requester_message,omitempty"`
	ResponderMessage string     `json:"responder_message,omitempty"`
	AutoRejected     bool       `json:"auto_rejected,omitempty"`
}

type Bid struct {
	Start   string  `json:"start"`
	End     string  `json:"end"`
	Amount  float64 `json:"amount"`
	Message string  `json:"message,omitempty"`
}

type DecideResult struct {
	Reservation  Reservation   `json:"reservation"`
	AutoRejected []Reservation `json:"auto_rejected"`
}

type Highest struct {
	ResourceID string  `json:"resource_id"`
	Amount     float64 `json:"amount"`
	Found      bool    `json:"found"`
}

type reservationsResponse struct {
	Reservations []Reservation `json:"reservations"`
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) CreateResource(ctx context.Context, title string) (Resource, error) {
	var out Resource
	err := c.do(ctx, http.MethodPost, "/api/resources", map[string]string{"title": title}, http.StatusCreated, &out)
	return out, err
}

func (c *Client) Resource(ctx context.Context, id string) (Resource, error) {
	var out Resource
	err := c.do(ctx, http.MethodGet, "/api/resources/"+url.PathEscape(id), nil, http.StatusOK, &out)
	return out, err
}

// ResourceReservations lists every reservation of a resource.
func (c *Client) ResourceReservations(ctx context.Context, resourceID string) ([]Reservation, error) {
	var out reservationsResponse
	err := c.do(ctx, http.MethodGet, "/api/resources/"+url.PathEscape(resourceID)+"/reservations", nil, http.StatusOK, &out)
	return out.Reservations, err
}

// SubmitBid bids on a resource as the client's user.
func (c *Client) SubmitBid(ctx context.Context, resourceID string, bid Bid) (Reservation, error) {
	var out Reservation
	err := c.do(ctx, http.MethodPost, "/api/resources/"+url.PathEscape(resourceID)+"/bids", bid, http.StatusCreated, &out)
	return out, err
}

// HighestActive returns the largest pending or accepted amount on a resource.
func (c *Client) HighestActive(ctx context.Context, resourceID string) (Highest, error) {
	var out Highest
	err := c.do(ctx, http.MethodGet, "/api/resources/"+url.PathEscape(resourceID)+"/highest", nil, http.StatusOK, &out)
	return out, err
}

func (c *Client) Reservation(ctx context.Context, id string) (Reservation, error) {
	var out Reservation
	err := c.do(ctx, http.MethodGet, "/api/reservations/"+url.PathEscape(id), nil, http.StatusOK, &out)
	return out, err
}

// MyReservations lists the user's reservations as requester, or as owner
// when asOwner is set.
func (c *Client) MyReservations(ctx context.Context, asOwner bool) ([]Reservation, error) {
	path := "/api/reservations"
	if asOwner {
		path += "?role=owner"
	}
	var out reservationsResponse
	err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &out)
	return out.Reservations, err
}

// Decide accepts or rejects a pending reservation. decision is "accepted" or
// "rejected".
func (c *Client) Decide(ctx context.Context, reservationID, decision, message string) (DecideResult, error) {
	var out DecideResult
	body := map[string]string{"decision": decision, "message": message}
	err := c.do(ctx, http.MethodPost, "/api/reservations/"+url.PathEscape(reservationID)+"/decision", body, http.StatusOK, &out)
	return out, err
}

func (c *Client) Cancel(ctx context.Context, reservationID, message string) (Reservation, error) {
	var out Reservation
	err := c.do(ctx, http.MethodPost, "/api/reservations/"+url.PathEscape(reservationID)+"/cancel", map[string]string{"message": message}, http.StatusOK, &out)
	return out, err
}

func (c *Client) Convert(ctx context.Context, reservationID string) (Reservation, error) {
	var out Reservation
	err := c.do(ctx, http.MethodPost, "/api/reservations/"+url.PathEscape(reservationID)+"/convert", map[string]string{}, http.StatusOK, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, payload any, want int, out any) error {
	var resp *http.Response
	var err error
	if method == http.MethodPost {
		resp, err = c.postJSON(ctx, path, payload)
	} else {
		resp, err = c.get(ctx, path)
	}
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) (*http.Response, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	c.applyHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	return c.HTTP.Do(req)
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	c.applyHeaders(req)
	return c.HTTP.Do(req)
}

func (c *Client) applyHeaders(req *http.Request) {
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	if c.UserID != "" {
		req.Header.Set("X-User-ID", c.UserID)
	}
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Code == "" {
		apiErr.Code = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
