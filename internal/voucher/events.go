package voucher

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// EventKind tags a lifecycle notification.
type EventKind string

const (
	KindCreated   EventKind = "voucher_created"
	KindRedeemed  EventKind = "voucher_redeemed"
	KindCancelled EventKind = "voucher_cancelled"
)

// Event is a lifecycle notification, emitted once per successful operation
// after the transition has committed.
type Event interface {
	Kind() EventKind
	VoucherID() ID
}

// Created is emitted when Submit stores a new voucher. Voucher is the stored
// record.
type Created struct {
	ID      ID
	Voucher *Voucher
}

// Redeemed is emitted when a redeemer pays a merchant out of a voucher.
type Redeemed struct {
	Redeemer common.Address
	ID       ID
	// Voucher is the record as it was before this redemption.
	Voucher  *Voucher
	Merchant common.Address
	Amount   uint256.Int
}

// Cancelled is emitted when the owner withdraws a voucher.
type Cancelled struct {
	ID ID
}

func (Created) Kind() EventKind   { return KindCreated }
func (Redeemed) Kind() EventKind  { return KindRedeemed }
func (Cancelled) Kind() EventKind { return KindCancelled }

func (e Created) VoucherID() ID   { return e.ID }
func (e Redeemed) VoucherID() ID  { return e.ID }
func (e Cancelled) VoucherID() ID { return e.ID }
