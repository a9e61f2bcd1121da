// Package bridge moves tokens between chains through an Across-style spoke pool: it quotes
// relay fees, submits depositV3 transactions and follows deposits until they are filled.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/yourorg/rebalance-agent/internal/fetch"
	"github.com/yourorg/rebalance-agent/internal/types"
)

// DefaultAPIURL is the public Across API
const DefaultAPIURL = "https://app.across.to/api"

// ErrAmountTooLow is returned when relay fees would consume the whole transfer
var ErrAmountTooLow = errors.New("amount too low to cover relay fees")

// FillStatus is the destination-side state of a deposit
type FillStatus string

const (
	FillPending  FillStatus = "pending"
	FillFilled   FillStatus = "filled"
	FillExpired  FillStatus = "expired"
	FillRefunded FillStatus = "refunded"
)

// Terminal reports whether the deposit can no longer be filled
func (s FillStatus) Terminal() bool {
	return s == FillFilled || s == FillExpired || s == FillRefunded
}

// APIError is a non-2xx response from the bridge API
type APIError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bridge api %s: status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// FeeRequest asks for a relay fee quote
type FeeRequest struct {
	InputToken         common.Address
	OutputToken        common.Address
	OriginChainID      types.ChainID
	DestinationChainID types.ChainID
	Amount             *big.Int
}

// Quote is a relay fee quote. Deadlines are unix seconds.
type Quote struct {
	TotalFee            *big.Int
	Timestamp           uint32
	FillDeadline        uint32
	ExclusiveRelayer    common.Address
	ExclusivityDeadline uint32
	SpokePool           common.Address
	AmountTooLow        bool
}

// Client talks to the bridge REST API
type Client struct {
	baseURL string
	client  *retryablehttp.Client
}

// NewClient creates an API client for baseURL
func NewClient(baseURL string, opts fetch.RetryOptions) *Client {
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  fetch.NewRetryClient(opts),
	}
}

type suggestedFeesResponse struct {
	TotalRelayFee struct {
		Pct   apiNumber `json:"pct"`
		Total apiNumber `json:"total"`
	} `json:"totalRelayFee"`
	Timestamp           apiNumber `json:"timestamp"`
	FillDeadline        apiNumber `json:"fillDeadline"`
	IsAmountTooLow      bool      `json:"isAmountTooLow"`
	SpokePoolAddress    string    `json:"spokePoolAddress"`
	ExclusiveRelayer    string    `json:"exclusiveRelayer"`
	ExclusivityDeadline apiNumber `json:"exclusivityDeadline"`
}

// SuggestedFees quotes the relay fee for a transfer
func (c *Client) SuggestedFees(ctx context.Context, r FeeRequest) (Quote, error) {
	if r.Amount == nil || r.Amount.Sign() <= 0 {
		return Quote{}, errors.New("amount must be positive")
	}
	q := url.Values{}
	q.Set("inputToken", r.InputToken.Hex())
	q.Set("outputToken", r.OutputToken.Hex())
	q.Set("originChainId", r.OriginChainID.Label())
	q.Set("destinationChainId", r.DestinationChainID.Label())
	q.Set("amount", r.Amount.String())

	var resp suggestedFeesResponse
	if err := c.get(ctx, "/suggested-fees", q, &resp); err != nil {
		return Quote{}, err
	}

	quote := Quote{
		TotalFee:            resp.TotalRelayFee.Total.Int(),
		Timestamp:           resp.Timestamp.Uint32(),
		FillDeadline:        resp.FillDeadline.Uint32(),
		ExclusivityDeadline: resp.ExclusivityDeadline.Uint32(),
		AmountTooLow:        resp.IsAmountTooLow,
	}
	if common.IsHexAddress(resp.SpokePoolAddress) {
		quote.SpokePool = common.HexToAddress(resp.SpokePoolAddress)
	}
	if common.IsHexAddress(resp.ExclusiveRelayer) {
		quote.ExclusiveRelayer = common.HexToAddress(resp.ExclusiveRelayer)
	}
	return quote, nil
}

type depositStatusResponse struct {
	Status string `json:"status"`
	FillTx string `json:"fillTx"`
}

// DepositStatus returns the fill status of a deposit. A deposit the API has not indexed yet
// is pending.
func (c *Client) DepositStatus(ctx context.Context, origin types.ChainID, depositID string) (FillStatus, error) {
	q := url.Values{}
	q.Set("originChainId", origin.Label())
	q.Set("depositId", depositID)

	var resp depositStatusResponse
	err := c.get(ctx, "/deposit/status", q, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return FillPending, nil
	}
	if err != nil {
		return "", err
	}

	switch FillStatus(strings.ToLower(resp.Status)) {
	case FillFilled:
		return FillFilled, nil
	case FillExpired:
		return FillExpired, nil
	case FillRefunded:
		return FillRefunded, nil
	default:
		return FillPending, nil
	}
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out interface{}) error {
	endpoint := c.baseURL + path + "?" + q.Encode()
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("bridge api %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{Endpoint: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("bridge api %s: decode response: %w", path, err)
	}
	return nil
}

// apiNumber accepts integers sent either as JSON numbers or as decimal strings
type apiNumber struct {
	v *big.Int
}

func (n *apiNumber) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		n.v = nil
		return nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		// fractional values such as fee percentages are truncated
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q", s)
		}
		v, _ = new(big.Float).SetFloat64(f).Int(nil)
	}
	n.v = v
	return nil
}

// Int returns the value, zero when absent
func (n apiNumber) Int() *big.Int {
	if n.v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(n.v)
}

// Uint32 returns the value truncated to 32 bits, zero when absent or out of range
func (n apiNumber) Uint32() uint32 {
	if n.v == nil || n.v.Sign() < 0 || !n.v.IsUint64() || n.v.Uint64() > 0xffffffff {
		return 0
	}
	return uint32(n.v.Uint64())
}
