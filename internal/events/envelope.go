// Package events carries voucher lifecycle notifications over a Redis list
// and consumes them on the other side.
package events

import (
	"fmt"
	"time"

	"github.com/0gfoundation/0g-voucher-escrow/internal/voucher"
)

// VoucherView is the wire form of a voucher. Amounts are decimal strings and
// addresses are checksummed hex.
type VoucherView struct {
	CurrencyID     string   `json:"currency_id"`
	Amount         string   `json:"amount"`
	Owner          string   `json:"owner"`
	ValidMerchants []string `json:"valid_merchants"`
	RedeemableBy   string   `json:"redeemable_by"`
}

func NewVoucherView(v *voucher.Voucher) *VoucherView {
	merchants := make([]string, len(v.ValidMerchants))
	for i, m := range v.ValidMerchants {
		merchants[i] = m.Hex()
	}
	return &VoucherView{
		CurrencyID:     string(v.CurrencyID),
		Amount:         v.Amount.Dec(),
		Owner:          v.Owner.Hex(),
		ValidMerchants: merchants,
		RedeemableBy:   v.RedeemableBy.Hex(),
	}
}

// Envelope is one queued notification.
type Envelope struct {
	Kind      voucher.EventKind `json:"kind"`
	VoucherID string            `json:"voucher_id"`
	// Voucher is the created record for voucher_created and the
	// pre-redemption record for voucher_redeemed.
	Voucher   *VoucherView `json:"voucher,omitempty"`
	Redeemer  string       `json:"redeemer,omitempty"`
	Merchant  string       `json:"merchant,omitempty"`
	Amount    string       `json:"amount,omitempty"`
	EmittedAt int64        `json:"emitted_at"`
}

// Encode converts ev to its wire form, stamped with now.
func Encode(ev voucher.Event, now time.Time) (Envelope, error) {
	env := Envelope{
		Kind:      ev.Kind(),
		VoucherID: ev.VoucherID().String(),
		EmittedAt: now.Unix(),
	}
	switch e := ev.(type) {
	case voucher.Created:
		env.Voucher = NewVoucherView(e.Voucher)
	case voucher.Redeemed:
		env.Voucher = NewVoucherView(e.Voucher)
		env.Redeemer = e.Redeemer.Hex()
		env.Merchant = e.Merchant.Hex()
		env.Amount = e.Amount.Dec()
	case voucher.Cancelled:
	default:
		return Envelope{}, fmt.Errorf("unknown event type %T", ev)
	}
	return env, nil
}

func (e Envelope) validate() error {
	switch e.Kind {
	case voucher.KindCreated, voucher.KindRedeemed, voucher.KindCancelled:
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if _, err := voucher.ParseID(e.VoucherID); err != nil {
		return err
	}
	if e.Kind != voucher.KindCancelled && e.Voucher == nil {
		return fmt.Errorf("%s event without voucher", e.Kind)
	}
	return nil
}
