package voucher

import "errors"

// Every escrow rejection is one of these sentinels, possibly wrapped.
// A rejected call never leaves a partial state change behind.
var (
	ErrIdentifierOverflow            = errors.New("voucher identifier space exhausted")
	ErrInvalidVoucherID              = errors.New("no voucher with that id")
	ErrInsufficientReservableBalance = errors.New("insufficient free balance to reserve")
	ErrNotOwner                      = errors.New("caller is not the voucher owner")
	ErrInvalidCustomer               = errors.New("caller is not the voucher redeemer")
	ErrInvalidMerchant               = errors.New("merchant is not accepted by the voucher")
	ErrAmountExceeded                = errors.New("redeem amount exceeds voucher amount")
	ErrInsufficientBalance           = errors.New("reserved balance does not cover the voucher")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrIdentifierOverflow, "IDENTIFIER_OVERFLOW"},
	{ErrInvalidVoucherID, "INVALID_VOUCHER_ID"},
	{ErrInsufficientReservableBalance, "INSUFFICIENT_RESERVABLE_BALANCE"},
	{ErrNotOwner, "NOT_OWNER"},
	{ErrInvalidCustomer, "INVALID_CUSTOMER"},
	{ErrInvalidMerchant, "INVALID_MERCHANT"},
	{ErrAmountExceeded, "AMOUNT_EXCEEDED"},
	{ErrInsufficientBalance, "INSUFFICIENT_BALANCE"},
}

// Code returns the stable wire code for err, or "" if err is not an escrow
// rejection.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return ""
}
