package rifas

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// ClientConfig configures a Client
type ClientConfig struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	RetryCount int
	RetryDelay time.Duration
}

// Client is a raffle server API client
type Client struct {
	config     *ClientConfig
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// NewClient creates a new API client
func NewClient(config *ClientConfig) *Client {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	return NewClientWithHTTPClient(config, &http.Client{
		Timeout: config.Timeout,
	})
}

// NewClientWithHTTPClient creates a new API client with a custom HTTP client
func NewClientWithHTTPClient(config *ClientConfig, httpClient *http.Client) *Client {
	return &Client{
		config:     config,
		httpClient: httpClient,
		token:      config.Token,
	}
}

// SetToken sets the operator token sent with admin requests
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// doRequest performs a request and decodes the response envelope into result.
// GET requests are retried on transport errors and 5xx responses.
func (c *Client) doRequest(ctx context.Context, method, endpoint string, reqBody, result any) error {
	var bodyBytes []byte
	if reqBody != nil {
		var err error
		bodyBytes, err = json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	attempts := 1
	if method == http.MethodGet && c.config.RetryCount > 1 {
		attempts = c.config.RetryCount
	}
	delay := c.config.RetryDelay
	if delay == 0 {
		delay = 200 * time.Millisecond
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		status, respBody, err := c.send(ctx, method, endpoint, bodyBytes)
		if err != nil {
			lastErr = err
			continue
		}
		if status >= 500 && i < attempts-1 {
			lastErr = fmt.Errorf("server returned %d", status)
			continue
		}
		return decodeResponse(status, respBody, result)
	}

	return fmt.Errorf("request failed after %d attempts: %w", attempts, lastErr)
}

func (c *Client) send(ctx context.Context, method, endpoint string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if token := c.bearer(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

func decodeResponse(status int, body []byte, result any) error {
	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *APIError       `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("failed to parse response (status %d): %w", status, err)
	}

	if envelope.Error != nil {
		envelope.Error.Status = status
		return envelope.Error
	}
	if !envelope.Success {
		return &APIError{Status: status, Code: "UNEXPECTED_ERROR", Message: http.StatusText(status)}
	}

	if result != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, result); err != nil {
			return fmt.Errorf("failed to parse response data: %w", err)
		}
	}
	return nil
}

// Raffle returns the active raffle, or the last finalized one
func (c *Client) Raffle(ctx context.Context) (*RaffleView, error) {
	var view RaffleView
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/raffle", nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// TakenTickets returns the sold numbers of the active raffle
func (c *Client) TakenTickets(ctx context.Context) (*TakenTickets, error) {
	var taken TakenTickets
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/raffle/tickets", nil, &taken); err != nil {
		return nil, err
	}
	return &taken, nil
}

// Login authenticates the operator and keeps the token for later calls
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	var result LoginResult
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/auth/login", &LoginRequest{Email: email, Password: password}, &result); err != nil {
		return nil, err
	}
	c.SetToken(result.Token)
	return &result, nil
}

// CreateRaffle creates a raffle, publishing it when req.Publish is set
func (c *Client) CreateRaffle(ctx context.Context, req *CreateRaffleRequest) (*Raffle, error) {
	var r Raffle
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/admin/raffles", req, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// CancelRaffle cancels the active raffle
func (c *Client) CancelRaffle(ctx context.Context, reason string) (*Raffle, error) {
	var r Raffle
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/admin/raffle/cancel", map[string]string{"motivo": reason}, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ArchiveRaffle archives the last finalized raffle
func (c *Client) ArchiveRaffle(ctx context.Context) (*Raffle, error) {
	var r Raffle
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/admin/raffle/archive", nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Participants lists the buyers of the active raffle
func (c *Client) Participants(ctx context.Context) ([]Participant, error) {
	var ps []Participant
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/admin/participants", nil, &ps); err != nil {
		return nil, err
	}
	return ps, nil
}

// Reserve records tickets for a new participant. A conflict is returned as
// an *APIError with Code ErrTicketConflict and the taken numbers in
// Conflicting.
func (c *Client) Reserve(ctx context.Context, req *ReserveRequest) (*Participant, error) {
	var p Participant
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/admin/participants", req, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// StartDraw opens a draw on the active raffle
func (c *Client) StartDraw(ctx context.Context) (*DrawState, error) {
	var st DrawState
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/admin/draw/start", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Advance runs the next round. It returns once the round's animation is over.
func (c *Client) Advance(ctx context.Context) (*Outcome, error) {
	var out Outcome
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/admin/draw/advance", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RetryFinalize retries persisting a winner
func (c *Client) RetryFinalize(ctx context.Context) (*Outcome, error) {
	var out Outcome
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/admin/draw/finalize", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DrawState returns the state of the current draw
func (c *Client) DrawState(ctx context.Context) (*DrawState, error) {
	var st DrawState
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/admin/draw", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}
