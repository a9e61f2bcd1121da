package validation

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/rebalance-agent/internal/types"
)

// Intent is a broadcast that passed validation, with every field parsed
type Intent struct {
	ID      common.Hash
	ChainID types.ChainID

	Arbiter common.Address
	Sponsor common.Address
	Nonce   *big.Int
	Expires time.Time
	LockID  *big.Int
	Amount  *big.Int

	DestinationChainID  types.ChainID
	Tribunal            common.Address
	Recipient           common.Address
	Allocator           common.Address
	FillExpires         time.Time
	Token               common.Address
	MinimumAmount       *big.Int
	BaselinePriorityFee *big.Int
	ScalingFactor       *big.Int
	Salt                common.Hash

	SponsorSignature   []byte
	AllocatorSignature []byte
}

// Validate parses b, collecting every malformed field into a *ValidationError
func Validate(b Broadcast, opts ValidationOptions) (Intent, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &checker{}
	var in Intent

	in.ChainID = chainID(c, "chainId", b.ChainID)

	cp := b.Compact
	in.Arbiter = c.address("compact.arbiter", cp.Arbiter)
	in.Sponsor = c.address("compact.sponsor", cp.Sponsor)
	in.Nonce = c.number("compact.nonce", cp.Nonce)
	in.Expires = c.expiry("compact.expires", cp.Expires, opts)
	in.LockID = c.number("compact.id", cp.ID)
	in.Amount = c.positive("compact.amount", cp.Amount)

	m := cp.Mandate
	in.DestinationChainID = chainID(c, "compact.mandate.chainId", m.ChainID)
	in.Tribunal = c.address("compact.mandate.tribunal", m.Tribunal)
	in.Recipient = c.address("compact.mandate.recipient", m.Recipient)
	in.Allocator = c.address("compact.mandate.allocator", m.Allocator)
	in.FillExpires = c.expiry("compact.mandate.expires", m.Expires, opts)
	in.Token = c.address("compact.mandate.token", m.Token)
	in.MinimumAmount = c.positive("compact.mandate.minimumAmount", m.MinimumAmount)
	in.BaselinePriorityFee = c.number("compact.mandate.baselinePriorityFee", m.BaselinePriorityFee)
	in.ScalingFactor = c.number("compact.mandate.scalingFactor", m.ScalingFactor)
	for _, point := range m.DecayCurve {
		c.number("compact.mandate.decayCurve", point)
	}
	in.Salt = c.hash("compact.mandate.salt", m.Salt)

	// a missing sponsor signature means the sponsor registered the compact on chain
	if b.SponsorSignature != nil {
		in.SponsorSignature = c.signature("sponsorSignature", *b.SponsorSignature)
	}
	if b.AllocatorSignature == "" {
		c.fail("allocatorSignature", "is required")
	} else {
		in.AllocatorSignature = c.signature("allocatorSignature", b.AllocatorSignature)
	}

	if err := c.err(); err != nil {
		return Intent{}, err
	}
	in.ID = intentID(in)
	return in, nil
}

func chainID(c *checker, field, v string) types.ChainID {
	n := c.positive(field, v)
	if n == nil || n.Sign() == 0 {
		return 0
	}
	if !n.IsUint64() {
		c.fail(field, "chain id out of range")
		return 0
	}
	return types.ChainID(n.Uint64())
}

// intentID identifies an intent by its origin chain, sponsor and nonce
func intentID(in Intent) common.Hash {
	return crypto.Keccak256Hash(
		common.BigToHash(new(big.Int).SetUint64(uint64(in.ChainID))).Bytes(),
		in.Sponsor.Bytes(),
		common.BigToHash(in.Nonce).Bytes(),
	)
}

// FilterInvalid validates a batch and returns the intents that passed
func FilterInvalid(broadcasts []Broadcast, opts ValidationOptions) []Intent {
	valid := make([]Intent, 0, len(broadcasts))
	for _, b := range broadcasts {
		in, err := Validate(b, opts)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"chain_id": b.ChainID,
				"sponsor":  b.Compact.Sponsor,
				"nonce":    b.Compact.Nonce,
			}).WithError(err).Debug("Filtered invalid broadcast")
			continue
		}
		valid = append(valid, in)
	}
	return valid
}
