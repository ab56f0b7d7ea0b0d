package minting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/oxygencredits-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/oxygencredits-backend/pkg/errors"
)

const (
	mintPath              = "/mint"
	responseBodyReadLimit = 1024
)

var walletAddressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ValidAddress reports whether addr is a 0x-prefixed 20 byte hex address.
func ValidAddress(addr string) bool {
	return walletAddressRe.MatchString(strings.TrimSpace(addr))
}

// Request is the mint instruction for one credit batch.
type Request struct {
	RecipientAddress string    `json:"recipient"`
	Amount           int       `json:"amount"`
	ClaimID          uuid.UUID `json:"claimId"`
	CreditID         uuid.UUID `json:"creditId"`
	Metadata         Metadata  `json:"metadata"`
}

// Metadata is attached to the on-chain token.
type Metadata struct {
	NDVIDelta   *float64 `json:"ndviDelta,omitempty"`
	Location    string   `json:"location,omitempty"`
	MetadataURI string   `json:"metadataURI,omitempty"`
}

// Receipt is returned by the gateway once the batch is minted.
type Receipt struct {
	TokenID         string `json:"tokenId"`
	TransactionHash string `json:"transactionHash"`
}

// Minter is the contract the mint worker depends on.
type Minter interface {
	Mint(ctx context.Context, req Request) (*Receipt, error)
}

// Error classifies a failed mint call.
type Error struct {
	Retryable bool
	Err       error
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether a later attempt may succeed.
func IsRetryable(err error) bool {
	var mintErr *Error
	if errors.As(err, &mintErr) {
		return mintErr.Retryable
	}
	return err != nil
}

// Client posts mint instructions to the minting gateway.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	timeout    time.Duration
}

// Option configures optional client behavior.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient validates the gateway configuration.
func NewClient(cfg config.MintingConfig, opts ...Option) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.GatewayURL), "/")
	if base == "" {
		return nil, fmt.Errorf("mint gateway url is required")
	}
	c := &Client{
		httpClient: &http.Client{},
		baseURL:    base,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		timeout:    cfg.Timeout,
	}
	if c.timeout <= 0 {
		c.timeout = 20 * time.Second
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Mint submits one batch. 5xx and transport failures are retryable; 4xx
// responses are terminal.
func (c *Client) Mint(ctx context.Context, req Request) (*Receipt, error) {
	if !ValidAddress(req.RecipientAddress) {
		return nil, &Error{Err: pkgerrors.New(pkgerrors.CodeValidation, "recipient address is invalid")}
	}
	if req.Amount <= 0 {
		return nil, &Error{Err: pkgerrors.New(pkgerrors.CodeValidation, "mint amount must be positive")}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, &Error{Err: pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marshal mint request")}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+mintPath, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Err: pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build mint request")}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.CreditID.String())
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &Error{Retryable: true, Err: pkgerrors.Wrap(pkgerrors.CodeDependency, err, "execute mint request")}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyReadLimit))
		cause := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		return nil, &Error{
			Retryable: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
			Err:       pkgerrors.Wrap(pkgerrors.CodeDependency, cause, "mint request failed"),
		}
	}

	var receipt Receipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return nil, &Error{Retryable: true, Err: pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode mint response")}
	}
	if strings.TrimSpace(receipt.TokenID) == "" {
		return nil, &Error{Err: pkgerrors.New(pkgerrors.CodeDependency, "mint response missing token id")}
	}
	return &receipt, nil
}
