package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/rebalance-agent/internal/types"
)

// TxRequest describes a transaction for a Submitter to sign and send
type TxRequest struct {
	ChainID types.ChainID
	To      common.Address
	Data    []byte
	Value   *big.Int
	Fees    Fees
}

// Submitter signs and broadcasts transactions on behalf of the agent's account
type Submitter interface {
	Address() common.Address
	Submit(ctx context.Context, req TxRequest) (common.Hash, error)
}

// gasLimitBuffer pads estimates by 20%
const gasLimitBuffer = 120

// KeySubmitter signs with a single in-memory private key
type KeySubmitter struct {
	key      *ecdsa.PrivateKey
	address  common.Address
	registry *Registry

	// serializes nonce allocation
	mu sync.Mutex
}

// NewKeySubmitter parses a hex private key (with or without 0x prefix)
func NewKeySubmitter(hexKey string, registry *Registry) (*KeySubmitter, error) {
	if hexKey == "" {
		return nil, errors.New("private key is empty")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &KeySubmitter{
		key:      key,
		address:  crypto.PubkeyToAddress(key.PublicKey),
		registry: registry,
	}, nil
}

// Address returns the signing account
func (s *KeySubmitter) Address() common.Address { return s.address }

// Submit estimates gas, signs an EIP-1559 transaction and broadcasts it
func (s *KeySubmitter) Submit(ctx context.Context, req TxRequest) (common.Hash, error) {
	client, err := s.registry.Get(req.ChainID)
	if err != nil {
		return common.Hash{}, err
	}
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	if req.Fees.MaxFeePerGas == nil || req.Fees.MaxPriorityFeePerGas == nil {
		req.Fees, err = SuggestFees(ctx, client, nil)
		if err != nil {
			return common.Hash{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nonce, err := client.PendingNonceAt(ctx, s.address)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetch nonce: %w", err)
	}
	to := req.To
	gas, err := client.EstimateGas(ctx, ethereum.CallMsg{
		From:      s.address,
		To:        &to,
		Value:     value,
		Data:      req.Data,
		GasFeeCap: req.Fees.MaxFeePerGas,
		GasTipCap: req.Fees.MaxPriorityFeePerGas,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
	}
	gas = gas * gasLimitBuffer / 100

	chainID := new(big.Int).SetUint64(uint64(req.ChainID))
	tx := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: req.Fees.MaxPriorityFeePerGas,
		GasFeeCap: req.Fees.MaxFeePerGas,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      req.Data,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(chainID), s.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign transaction: %w", err)
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send transaction: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"chain_id": req.ChainID,
		"tx_hash":  signed.Hash().Hex(),
		"to":       to.Hex(),
		"nonce":    nonce,
		"gas":      gas,
	}).Info("Transaction submitted")
	return signed.Hash(), nil
}
