package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/yourorg/rebalance-agent/internal/types"
)

// ErrAccountNotFound is returned when the indexer knows nothing about the account
var ErrAccountNotFound = errors.New("account not found in indexer")

const accountLocksQuery = `query AccountLocks($address: String!) {
  account(address: $address) {
    resourceLocks(limit: 1000) {
      items {
        chainId
        tokenAddress
        balance
        resourceLock {
          lockId
        }
      }
    }
  }
}`

// IndexedLock is one resource lock as reported by the indexer
type IndexedLock struct {
	ChainID      types.ChainID
	LockID       string
	TokenAddress common.Address
	Balance      *big.Int
}

// IndexerClient queries the resource lock indexer over GraphQL
type IndexerClient struct {
	endpoint string
	client   *retryablehttp.Client
}

// NewIndexerClient creates a client for a GraphQL endpoint. It makes a single attempt per call.
func NewIndexerClient(endpoint string) *IndexerClient {
	return &IndexerClient{endpoint: endpoint, client: NewRetryClient(NoRetryOptions())}
}

type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type accountLocksResponse struct {
	Data struct {
		Account *struct {
			ResourceLocks struct {
				Items []struct {
					ChainID      flexInt `json:"chainId"`
					TokenAddress string  `json:"tokenAddress"`
					Balance      flexInt `json:"balance"`
					ResourceLock struct {
						LockID flexInt `json:"lockId"`
					} `json:"resourceLock"`
				} `json:"items"`
			} `json:"resourceLocks"`
		} `json:"account"`
	} `json:"data"`
	Errors []graphQLError `json:"errors"`
}

// AccountLocks returns every resource lock owned by account
func (c *IndexerClient) AccountLocks(ctx context.Context, account common.Address) ([]IndexedLock, error) {
	body, err := json.Marshal(graphQLRequest{
		Query:     accountLocksQuery,
		Variables: map[string]interface{}{"address": strings.ToLower(account.Hex())},
	})
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create indexer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("indexer request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("indexer returned status %d: %s", resp.StatusCode, snippet)
	}

	var out accountLocksResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode indexer response: %w", err)
	}
	if len(out.Errors) > 0 {
		msgs := make([]string, 0, len(out.Errors))
		for _, e := range out.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, fmt.Errorf("indexer query failed: %s", strings.Join(msgs, "; "))
	}
	if out.Data.Account == nil {
		return nil, ErrAccountNotFound
	}

	items := out.Data.Account.ResourceLocks.Items
	locks := make([]IndexedLock, 0, len(items))
	for _, item := range items {
		if item.ChainID.Int == nil || item.ResourceLock.LockID.Int == nil {
			return nil, errors.New("indexer item missing chainId or lockId")
		}
		if !item.ChainID.IsUint64() {
			return nil, fmt.Errorf("chain id %s out of range", item.ChainID.String())
		}
		if !common.IsHexAddress(item.TokenAddress) {
			return nil, fmt.Errorf("invalid token address %q", item.TokenAddress)
		}
		balance := new(big.Int)
		if item.Balance.Int != nil {
			balance.Set(item.Balance.Int)
		}
		locks = append(locks, IndexedLock{
			ChainID:      types.ChainID(item.ChainID.Uint64()),
			LockID:       item.ResourceLock.LockID.String(),
			TokenAddress: common.HexToAddress(item.TokenAddress),
			Balance:      balance,
		})
	}
	return locks, nil
}

// flexInt decodes integers sent either as JSON numbers or as decimal/0x-hex strings
type flexInt struct {
	*big.Int
}

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		f.Int = nil
		return nil
	}
	s = strings.Trim(s, `"`)
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s, base = s[2:], 16
	}
	v, ok := new(big.Int).SetString(s, base)
	if !ok {
		return fmt.Errorf("invalid integer %q", s)
	}
	f.Int = v
	return nil
}
