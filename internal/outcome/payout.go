package outcome

// Fee configuration in basis points. 500 bps = 5%.
const (
	// WinnerFeeBps is taken from the combined pot on a winning payout.
	WinnerFeeBps = 500
	// DrawFeeBps is taken from each stake on a losing tie (95% refund).
	DrawFeeBps = 500
	// WinningTieFeeBps: perfect ties refund in full.
	WinningTieFeeBps = 0

	bpsDenominator = 10_000
)

// PayoutPlan describes where the staked funds go once the match resolves.
// Exactly one of WinnerAmount / RefundEach is non-zero.
type PayoutPlan struct {
	// WinnerAmount goes to the winner (payout proposals only).
	WinnerAmount uint64
	// RefundEach goes back to each player (refund proposals only).
	RefundEach uint64
	// FeeAmount goes to the platform fee account. For losing ties this is
	// the combined fee collected from both stakes.
	FeeAmount uint64
}

func feeOf(amount uint64, bps uint64) uint64 {
	return amount * bps / bpsDenominator
}

// WinnerPlan: winner takes the pot minus the platform fee.
func WinnerPlan(stake uint64) PayoutPlan {
	pot := stake * 2
	fee := feeOf(pot, WinnerFeeBps)
	return PayoutPlan{WinnerAmount: pot - fee, FeeAmount: fee}
}

// WinningTiePlan: both solved identically, stakes return in full.
func WinningTiePlan(stake uint64) PayoutPlan {
	return PayoutPlan{RefundEach: stake}
}

// LosingTiePlan: neither solved, each stake is refunded minus the draw fee.
func LosingTiePlan(stake uint64) PayoutPlan {
	feeEach := feeOf(stake, DrawFeeBps)
	return PayoutPlan{RefundEach: stake - feeEach, FeeAmount: feeEach * 2}
}
