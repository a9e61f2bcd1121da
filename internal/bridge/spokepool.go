package bridge

import (
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

const spokePoolABIJSON = `[
{"type":"function","name":"depositV3","stateMutability":"payable","inputs":[
 {"name":"depositor","type":"address"},
 {"name":"recipient","type":"address"},
 {"name":"inputToken","type":"address"},
 {"name":"outputToken","type":"address"},
 {"name":"inputAmount","type":"uint256"},
 {"name":"outputAmount","type":"uint256"},
 {"name":"destinationChainId","type":"uint256"},
 {"name":"exclusiveRelayer","type":"address"},
 {"name":"quoteTimestamp","type":"uint32"},
 {"name":"fillDeadline","type":"uint32"},
 {"name":"exclusivityDeadline","type":"uint32"},
 {"name":"message","type":"bytes"}],"outputs":[]},
{"type":"event","name":"V3FundsDeposited","anonymous":false,"inputs":[
 {"name":"inputToken","type":"address","indexed":false},
 {"name":"outputToken","type":"address","indexed":false},
 {"name":"inputAmount","type":"uint256","indexed":false},
 {"name":"outputAmount","type":"uint256","indexed":false},
 {"name":"destinationChainId","type":"uint256","indexed":true},
 {"name":"depositId","type":"uint32","indexed":true},
 {"name":"quoteTimestamp","type":"uint32","indexed":false},
 {"name":"fillDeadline","type":"uint32","indexed":false},
 {"name":"exclusivityDeadline","type":"uint32","indexed":false},
 {"name":"depositor","type":"address","indexed":true},
 {"name":"recipient","type":"address","indexed":false},
 {"name":"exclusiveRelayer","type":"address","indexed":false},
 {"name":"message","type":"bytes","indexed":false}]}
]`

// SpokePoolABI covers the deposit entry point and its event
var SpokePoolABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(spokePoolABIJSON))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// ErrNoDepositEvent is returned when a receipt carries no deposit event from the spoke pool
var ErrNoDepositEvent = errors.New("no deposit event in receipt")

// DepositParams are the arguments of depositV3
type DepositParams struct {
	Depositor           common.Address
	Recipient           common.Address
	InputToken          common.Address
	OutputToken         common.Address
	InputAmount         *big.Int
	OutputAmount        *big.Int
	DestinationChainID  *big.Int
	ExclusiveRelayer    common.Address
	QuoteTimestamp      uint32
	FillDeadline        uint32
	ExclusivityDeadline uint32
	Message             []byte
}

// PackDepositV3 encodes a depositV3 call
func PackDepositV3(p DepositParams) ([]byte, error) {
	msg := p.Message
	if msg == nil {
		msg = []byte{}
	}
	return SpokePoolABI.Pack("depositV3",
		p.Depositor,
		p.Recipient,
		p.InputToken,
		p.OutputToken,
		p.InputAmount,
		p.OutputAmount,
		p.DestinationChainID,
		p.ExclusiveRelayer,
		p.QuoteTimestamp,
		p.FillDeadline,
		p.ExclusivityDeadline,
		msg,
	)
}

// DepositIDFromReceipt extracts the deposit id emitted by spokePool
func DepositIDFromReceipt(receipt *gethtypes.Receipt, spokePool common.Address) (string, error) {
	if receipt == nil {
		return "", ErrNoDepositEvent
	}
	eventID := SpokePoolABI.Events["V3FundsDeposited"].ID
	for _, l := range receipt.Logs {
		if l == nil || l.Address != spokePool || len(l.Topics) < 3 || l.Topics[0] != eventID {
			continue
		}
		return new(big.Int).SetBytes(l.Topics[2].Bytes()).String(), nil
	}
	return "", ErrNoDepositEvent
}
