package voucher

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ID identifies a voucher. IDs are allocated sequentially starting at 0.
type ID uint64

func (id ID) String() string { return strconv.FormatUint(uint64(id), 10) }

// ParseID parses the decimal form produced by ID.String.
func ParseID(s string) (ID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse voucher id %q: %w", s, err)
	}
	return ID(n), nil
}

// CurrencyID names the fungible asset a voucher escrows, e.g. "DOT".
type CurrencyID string

var currencyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)

// Validate reports whether c is usable as a ledger key component.
func (c CurrencyID) Validate() error {
	if !currencyPattern.MatchString(string(c)) {
		return fmt.Errorf("invalid currency id %q", string(c))
	}
	return nil
}

// Voucher is the persisted escrow record. Amount is the quantity still
// reserved on Owner's behalf; it only ever decreases.
type Voucher struct {
	CurrencyID     CurrencyID       `json:"currency_id"`
	Amount         uint256.Int      `json:"amount"`
	Owner          common.Address   `json:"owner"`
	ValidMerchants []common.Address `json:"valid_merchants"`
	RedeemableBy   common.Address   `json:"redeemable_by"`
}

// AcceptsMerchant reports whether m is one of the voucher's payees.
func (v *Voucher) AcceptsMerchant(m common.Address) bool {
	for _, vm := range v.ValidMerchants {
		if vm == m {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so snapshots cannot alias the merchant slice.
func (v *Voucher) Clone() *Voucher {
	cp := *v
	cp.ValidMerchants = append([]common.Address(nil), v.ValidMerchants...)
	return &cp
}

// Redis key templates
const (
	NextIDKey        = "voucher:next_id"
	RecordKeyFmt     = "voucher:record:%s" // %s = decimal voucher id
	RecordKeyPattern = "voucher:record:*"
	EventQueueKey    = "voucher:events"
	EventDLQKey      = "voucher:events:dlq"
	EscrowLockKey    = "lock:escrow"
)

// RecordKey returns the Redis key holding the voucher with the given id.
func RecordKey(id ID) string {
	return fmt.Sprintf(RecordKeyFmt, id)
}
