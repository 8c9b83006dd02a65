package escrow

import "fmt"

// PartialRedemption decides what happens to the unredeemed remainder of a
// voucher that is redeemed for less than its amount.
type PartialRedemption string

const (
	// Retain keeps the remainder reserved and the voucher alive with the
	// reduced amount.
	Retain PartialRedemption = "retain"
	// Refund releases the remainder to the owner and closes the voucher.
	Refund PartialRedemption = "refund"
)

func ParsePartialRedemption(s string) (PartialRedemption, error) {
	switch p := PartialRedemption(s); p {
	case Retain, Refund:
		return p, nil
	case "":
		return Retain, nil
	}
	return "", fmt.Errorf("unknown partial redemption policy %q (want %q or %q)", s, Retain, Refund)
}
