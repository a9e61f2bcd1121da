// Package chaintest provides in-memory fakes of the chain package's collaborators
package chaintest

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/yourorg/rebalance-agent/internal/chain"
)

type allowanceKey struct {
	token, owner, spender common.Address
}

type forcedKey struct {
	account common.Address
	id      string
}

// ForcedStatus is the fake's record of a lock's forced-withdrawal status
type ForcedStatus struct {
	Status      chain.ForcedWithdrawalStatus
	AvailableAt int64
}

// Client is an in-memory chain.Client. Zero values read as zero balances.
type Client struct {
	mu sync.Mutex

	native     map[common.Address]*big.Int
	tokens     map[common.Address]map[common.Address]*big.Int
	allowances map[allowanceKey]*big.Int
	forced     map[forcedKey]ForcedStatus
	receipts   map[common.Hash]*gethtypes.Receipt

	BaseFee *big.Int
	// Err fails every call when set
	Err error
	// AutoMine makes every sent transaction immediately mined with this status
	AutoMine *uint64

	Sent  []*gethtypes.Transaction
	Calls int
	nonce uint64
}

var _ chain.Client = (*Client)(nil)

// NewClient creates an empty fake with a 1 gwei base fee
func NewClient() *Client {
	return &Client{
		native:     make(map[common.Address]*big.Int),
		tokens:     make(map[common.Address]map[common.Address]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
		forced:     make(map[forcedKey]ForcedStatus),
		receipts:   make(map[common.Hash]*gethtypes.Receipt),
		BaseFee:    big.NewInt(1_000_000_000),
	}
}

// SetNative sets the native balance of account
func (c *Client) SetNative(account common.Address, v *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.native[account] = new(big.Int).Set(v)
}

// SetToken sets the token balance of account
func (c *Client) SetToken(token, account common.Address, v *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tokens[token] == nil {
		c.tokens[token] = make(map[common.Address]*big.Int)
	}
	c.tokens[token][account] = new(big.Int).Set(v)
}

// SetAllowance sets token.allowance(owner, spender)
func (c *Client) SetAllowance(token, owner, spender common.Address, v *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allowances[allowanceKey{token, owner, spender}] = new(big.Int).Set(v)
}

// SetForcedStatus sets the forced-withdrawal status for account's lock id
func (c *Client) SetForcedStatus(account common.Address, id *big.Int, s ForcedStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forced[forcedKey{account, id.String()}] = s
}

// SetReceipt records a mined receipt for hash
func (c *Client) SetReceipt(hash common.Hash, r *gethtypes.Receipt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r.TxHash = hash
	c.receipts[hash] = r
}

// SentTransactions returns a copy of every broadcast transaction
func (c *Client) SentTransactions() []*gethtypes.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*gethtypes.Transaction(nil), c.Sent...)
}

func (c *Client) BalanceAt(ctx context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls++
	if c.Err != nil {
		return nil, c.Err
	}
	return valueOrZero(c.native[account]), nil
}

func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls++
	if c.Err != nil {
		return nil, c.Err
	}
	if msg.To == nil || len(msg.Data) < 4 {
		return nil, fmt.Errorf("invalid call")
	}
	selector, args := msg.Data[:4], msg.Data[4:]

	if m, err := chain.ERC20ABI.MethodById(selector); err == nil {
		in, err := m.Inputs.Unpack(args)
		if err != nil {
			return nil, err
		}
		switch m.Name {
		case "balanceOf":
			return m.Outputs.Pack(valueOrZero(c.tokens[*msg.To][in[0].(common.Address)]))
		case "allowance":
			key := allowanceKey{*msg.To, in[0].(common.Address), in[1].(common.Address)}
			return m.Outputs.Pack(valueOrZero(c.allowances[key]))
		}
	}
	if m, err := chain.CompactABI.MethodById(selector); err == nil && m.Name == "getForcedWithdrawalStatus" {
		in, err := m.Inputs.Unpack(args)
		if err != nil {
			return nil, err
		}
		s := c.forced[forcedKey{in[0].(common.Address), in[1].(*big.Int).String()}]
		return m.Outputs.Pack(uint8(s.Status), big.NewInt(s.AvailableAt))
	}
	return nil, fmt.Errorf("unsupported call %x", selector)
}

func (c *Client) HeaderByNumber(ctx context.Context, _ *big.Int) (*gethtypes.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, c.Err
	}
	var base *big.Int
	if c.BaseFee != nil {
		base = new(big.Int).Set(c.BaseFee)
	}
	return &gethtypes.Header{Number: big.NewInt(1), BaseFee: base}, nil
}

func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, c.Err
	}
	r, ok := c.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (c *Client) PendingNonceAt(ctx context.Context, _ common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return 0, c.Err
	}
	return c.nonce, nil
}

func (c *Client) EstimateGas(ctx context.Context, _ ethereum.CallMsg) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return 0, c.Err
	}
	return 100_000, nil
}

func (c *Client) SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	c.Sent = append(c.Sent, tx)
	c.nonce++
	if c.AutoMine != nil {
		c.receipts[tx.Hash()] = &gethtypes.Receipt{TxHash: tx.Hash(), Status: *c.AutoMine, BlockNumber: big.NewInt(1)}
	}
	return nil
}

func valueOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// Submitter records requests instead of signing them
type Submitter struct {
	mu       sync.Mutex
	From     common.Address
	Requests []chain.TxRequest
	// Err fails every submission when set
	Err error
	// OnSubmit runs after a request is recorded and may mine a receipt on a fake client
	OnSubmit func(req chain.TxRequest, hash common.Hash)
}

var _ chain.Submitter = (*Submitter)(nil)

// Address implements chain.Submitter
func (s *Submitter) Address() common.Address { return s.From }

// Submit implements chain.Submitter. Hashes are derived from the request index.
func (s *Submitter) Submit(ctx context.Context, req chain.TxRequest) (common.Hash, error) {
	s.mu.Lock()
	if s.Err != nil {
		s.mu.Unlock()
		return common.Hash{}, s.Err
	}
	s.Requests = append(s.Requests, req)
	hash := common.BigToHash(big.NewInt(int64(len(s.Requests))))
	hook := s.OnSubmit
	s.mu.Unlock()

	if hook != nil {
		hook(req, hash)
	}
	return hash, nil
}

// Submitted returns a copy of every recorded request
func (s *Submitter) Submitted() []chain.TxRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chain.TxRequest(nil), s.Requests...)
}
