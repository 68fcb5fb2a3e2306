package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"optionchain/crypto"
	"optionchain/gateway/auth"
	"optionchain/services/optiond"
)

// Client calls the optiond HTTP API, signing every mutating request with the
// configured key.
type Client struct {
	baseURL    string
	key        *crypto.PrivateKey
	token      string
	httpClient *http.Client
	nowFn      func() time.Time
}

// Config represents the client configuration.
type Config struct {
	URL     string
	Key     *crypto.PrivateKey
	Token   string
	Timeout time.Duration
	Now     func() time.Time
}

// APIError is returned for non-2xx responses.
type APIError struct {
	Status    int
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("optiond: %d: %s (request %s)", e.Status, e.Message, e.RequestID)
	}
	return fmt.Sprintf("optiond: %d: %s", e.Status, e.Message)
}

// NewClient constructs a client targeting the supplied base URL.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.URL), "/"),
		key:        cfg.Key,
		token:      strings.TrimSpace(cfg.Token),
		httpClient: &http.Client{Timeout: timeout},
		nowFn:      now,
	}
}

// Address returns the signer address, or the zero address when unsigned.
func (c *Client) Address() crypto.Address {
	if c == nil || c.key == nil {
		return crypto.Address{}
	}
	return c.key.PubKey().Address()
}

func optionPath(instance, op string) string {
	return "/v1/options/" + url.PathEscape(instance) + "/" + op
}

func oraclePath(name string) string {
	return "/v1/oracles/" + url.PathEscape(name)
}

// Instances lists the hosted instance ids.
func (c *Client) Instances(ctx context.Context) ([]string, error) {
	var out struct {
		Instances []string `json:"instances"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/options/", nil, &out); err != nil {
		return nil, err
	}
	return out.Instances, nil
}

// Specs fetches the read-only projection of an instance.
func (c *Client) Specs(ctx context.Context, instance string) (*optiond.SpecsView, error) {
	var out optiond.SpecsView
	if err := c.do(ctx, http.MethodGet, optionPath(instance, "specs"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Init initializes an instance.
func (c *Client) Init(ctx context.Context, instance string) error {
	return c.do(ctx, http.MethodPost, optionPath(instance, "init"), struct{}{}, nil)
}

// List stores a contract definition.
func (c *Client) List(ctx context.Context, instance string, body optiond.ListBody) (*optiond.DefinitionView, error) {
	var out optiond.DefinitionView
	if err := c.do(ctx, http.MethodPost, optionPath(instance, "list"), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Fund posts one side's collateral.
func (c *Client) Fund(ctx context.Context, instance string, body optiond.FundBody) (*optiond.DepositView, error) {
	var out optiond.DepositView
	if err := c.do(ctx, http.MethodPost, optionPath(instance, "fund"), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Refresh ingests the latest oracle price.
func (c *Client) Refresh(ctx context.Context, instance string) (*optiond.SnapshotView, error) {
	var out optiond.SnapshotView
	if err := c.do(ctx, http.MethodPost, optionPath(instance, "refresh"), struct{}{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkToMarket values the open trade for the client's address.
func (c *Client) MarkToMarket(ctx context.Context, instance string) (*optiond.MarkView, error) {
	var out optiond.MarkView
	body := optiond.CallerBody{Caller: c.Address().String()}
	if err := c.do(ctx, http.MethodPost, optionPath(instance, "mtm"), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Settle claims the client's sides.
func (c *Client) Settle(ctx context.Context, instance string) (*optiond.SettleView, error) {
	var out optiond.SettleView
	body := optiond.CallerBody{Caller: c.Address().String()}
	if err := c.do(ctx, http.MethodPost, optionPath(instance, "settle"), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Killswitch sets the operational gate of an instance.
func (c *Client) Killswitch(ctx context.Context, instance string, level uint8) error {
	body := optiond.KillswitchBody{Admin: c.Address().String(), Level: level}
	return c.do(ctx, http.MethodPost, optionPath(instance, "killswitch"), body, nil)
}

// Oracle fetches an oracle's registration and last quote.
func (c *Client) Oracle(ctx context.Context, name string) (*optiond.OracleView, error) {
	var out optiond.OracleView
	if err := c.do(ctx, http.MethodGet, oraclePath(name), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PushQuote publishes a quote as the oracle's pump user.
func (c *Client) PushQuote(ctx context.Context, name string, body optiond.QuoteBody) error {
	if body.Pump == "" {
		body.Pump = c.Address().String()
	}
	return c.do(ctx, http.MethodPost, oraclePath(name)+"/update", body, nil)
}

// SetPumpHash records the hex-encoded digest of the pump build.
func (c *Client) SetPumpHash(ctx context.Context, name, hash string) error {
	body := optiond.PumpHashBody{Owner: c.Address().String(), Hash: hash}
	return c.do(ctx, http.MethodPost, oraclePath(name)+"/pump-hash", body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	if c == nil || c.baseURL == "" {
		return errors.New("optiond: client not configured")
	}
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			return fmt.Errorf("optiond: encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	if raw != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.key != nil && method != http.MethodGet {
		if err := auth.SignRequest(req, c.key, raw, c.nowFn(), uuid.NewString()); err != nil {
			return err
		}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, RequestID: resp.Header.Get("X-Request-Id")}
		var view optiond.ErrorView
		if json.Unmarshal(payload, &view) == nil && view.Error != "" {
			apiErr.Message = view.Error
			if view.RequestID != "" {
				apiErr.RequestID = view.RequestID
			}
		} else {
			apiErr.Message = strings.TrimSpace(string(payload))
		}
		return apiErr
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("optiond: decode response: %w", err)
	}
	return nil
}
