package validation

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/rebalance-agent/internal/types"
)

var testNow = time.Unix(1_700_000_000, 0)

func testOptions() ValidationOptions {
	opts := DefaultValidationOptions()
	opts.Now = func() time.Time { return testNow }
	return opts
}

func validBroadcast() Broadcast {
	sig := "0x" + strings.Repeat("ab", 65)
	return Broadcast{
		ChainID: "8453",
		Compact: Compact{
			Arbiter: "0x1111111111111111111111111111111111111111",
			Sponsor: "0x2222222222222222222222222222222222222222",
			Nonce:   "0x01",
			Expires: "1700003600",
			ID:      "23695808233765612395871253946325405230024592453342307283347345092768123965000",
			Amount:  "1000000000000000000",
			Mandate: Mandate{
				ChainID:             "10",
				Tribunal:            "0x3333333333333333333333333333333333333333",
				Recipient:           "0x4444444444444444444444444444444444444444",
				Allocator:           "0x5555555555555555555555555555555555555555",
				Expires:             "0x6553f600",
				Token:               "0x0000000000000000000000000000000000000000",
				MinimumAmount:       "990000000000000000",
				BaselinePriorityFee: "0",
				ScalingFactor:       "1000000000100000000",
				DecayCurve:          []string{"0x10", "42"},
				Salt:                "0x" + strings.Repeat("0f", 32),
			},
		},
		SponsorSignature:   &sig,
		AllocatorSignature: "0x" + strings.Repeat("cd", 64),
	}
}

func TestValidate_AcceptsWellFormedBroadcast(t *testing.T) {
	in, err := Validate(validBroadcast(), testOptions())
	require.NoError(t, err)

	assert.Equal(t, types.ChainBase, in.ChainID)
	assert.Equal(t, types.ChainOptimism, in.DestinationChainID)
	assert.Equal(t, int64(1), in.Nonce.Int64())
	assert.Equal(t, "990000000000000000", in.MinimumAmount.String())
	assert.Equal(t, int64(0x6553f600), in.FillExpires.Unix())
	assert.Len(t, in.SponsorSignature, 65)
	assert.Len(t, in.AllocatorSignature, 64)
	assert.NotEqual(t, [32]byte{}, [32]byte(in.ID))
}

func TestValidate_NullSponsorSignature(t *testing.T) {
	b := validBroadcast()
	b.SponsorSignature = nil
	in, err := Validate(b, testOptions())
	require.NoError(t, err)
	assert.Nil(t, in.SponsorSignature)
}

func TestValidate_RejectsMalformedFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Broadcast)
		field  string
	}{
		{"short address", func(b *Broadcast) { b.Compact.Sponsor = "0x2222" }, "compact.sponsor"},
		{"address without prefix", func(b *Broadcast) { b.Compact.Arbiter = strings.Repeat("1", 40) }, "compact.arbiter"},
		{"non numeric nonce", func(b *Broadcast) { b.Compact.Nonce = "one" }, "compact.nonce"},
		{"negative amount", func(b *Broadcast) { b.Compact.Amount = "-5" }, "compact.amount"},
		{"zero amount", func(b *Broadcast) { b.Compact.Amount = "0" }, "compact.amount"},
		{"expired compact", func(b *Broadcast) { b.Compact.Expires = "1699999999" }, "compact.expires"},
		{"missing chain", func(b *Broadcast) { b.ChainID = "" }, "chainId"},
		{"bad salt", func(b *Broadcast) { b.Compact.Mandate.Salt = "0x1234" }, "compact.mandate.salt"},
		{"bad decay point", func(b *Broadcast) { b.Compact.Mandate.DecayCurve = []string{"x"} }, "compact.mandate.decayCurve"},
		{"missing allocator signature", func(b *Broadcast) { b.AllocatorSignature = "" }, "allocatorSignature"},
		{"short sponsor signature", func(b *Broadcast) {
			s := "0xabcd"
			b.SponsorSignature = &s
		}, "sponsorSignature"},
		{"overflowing uint256", func(b *Broadcast) { b.Compact.ID = "0x1" + strings.Repeat("0", 64) }, "compact.id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := validBroadcast()
			tt.mutate(&b)
			_, err := Validate(b, testOptions())
			require.Error(t, err)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			require.Len(t, verr.Fields, 1)
			assert.Equal(t, tt.field, verr.Fields[0].Field)
		})
	}
}

func TestValidate_ReportsEveryField(t *testing.T) {
	b := validBroadcast()
	b.Compact.Sponsor = "nope"
	b.Compact.Mandate.Recipient = ""
	b.AllocatorSignature = "0xzz"

	_, err := Validate(b, testOptions())
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Fields, 3)
	assert.Contains(t, err.Error(), "compact.mandate.recipient")
}

func TestValidate_IntentIDIsStable(t *testing.T) {
	a, err := Validate(validBroadcast(), testOptions())
	require.NoError(t, err)
	b, err := Validate(validBroadcast(), testOptions())
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)

	other := validBroadcast()
	other.Compact.Nonce = "2"
	c, err := Validate(other, testOptions())
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, c.ID)
}

func TestFilterInvalid(t *testing.T) {
	bad := validBroadcast()
	bad.Compact.Amount = "lots"

	valid := FilterInvalid([]Broadcast{validBroadcast(), bad, validBroadcast()}, testOptions())
	assert.Len(t, valid, 2)
	assert.Empty(t, FilterInvalid(nil, testOptions()))
}
