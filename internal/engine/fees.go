package engine

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// SplitFee computes the platform fee on a trade's notional value and its
// split with the owner's referrer. referrerShare is the referrer's cut of
// the fee (referralPercent of it); platformShare is the exact remainder, so
// referrerShare + platformShare always equals fee with no rounding leak.
// Without a referrer the whole fee is the platform's.
func SplitFee(notional, feePercent, referralPercent decimal.Decimal, hasReferrer bool) (fee, referrerShare, platformShare decimal.Decimal) {
	fee = notional.Mul(feePercent).Div(hundred)
	if hasReferrer {
		referrerShare = fee.Mul(referralPercent).Div(hundred)
	} else {
		referrerShare = decimal.Zero
	}
	platformShare = fee.Sub(referrerShare)
	return fee, referrerShare, platformShare
}
