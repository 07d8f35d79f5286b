package outcome

// Tie is the sentinel winner value for both tie kinds.
const Tie = "tie"

// tieToleranceMs treats elapsed-time differences below this as an exact tie.
const tieToleranceMs = 100

// PlayerResult is one player's submitted game result.
type PlayerResult struct {
	Solved      bool     `json:"solved"`
	NumGuesses  int      `json:"numGuesses"`
	TotalTimeMs int64    `json:"totalTimeMs"`
	Guesses     []string `json:"guesses,omitempty"`
}

// TieKind distinguishes the two tie outcomes.
type TieKind int

const (
	TieNone TieKind = iota
	// TieWinning: both players solved with identical outcome quality.
	TieWinning
	// TieLosing: neither player solved (or the lone submitter failed).
	TieLosing
)

// Outcome is the resolved result of a match.
type Outcome struct {
	// Winner is a player address, Tie, or "" when unresolved.
	Winner string
	Kind   TieKind
	Plan   PayoutPlan
}

// Resolved reports whether a winner or tie was determined.
func (o Outcome) Resolved() bool { return o.Winner != "" }

// Resolve computes the winner and payout plan from two submitted results.
// Either result may be nil if that player abandoned the match. The function
// is pure and deterministic: reconciliation may re-run it on the same inputs
// and must get the same answer.
//
// Priority order:
//  1. exactly one player solved → that player wins;
//  2. both solved → fewer guesses, then lower elapsed time; sub-tolerance
//     time difference is a winning tie;
//  3. neither solved → losing tie;
//  4. only one result submitted → submitter wins if solved, else losing tie.
func Resolve(stake uint64, player1, player2 string, r1, r2 *PlayerResult) Outcome {
	switch {
	case r1 == nil && r2 == nil:
		return Outcome{} // unresolved, nothing to settle yet

	case r2 == nil:
		return loneSubmitter(stake, player1, r1)
	case r1 == nil:
		return loneSubmitter(stake, player2, r2)
	}

	switch {
	case r1.Solved && !r2.Solved:
		return winnerOutcome(stake, player1)
	case r2.Solved && !r1.Solved:
		return winnerOutcome(stake, player2)
	case !r1.Solved && !r2.Solved:
		return losingTie(stake)
	}

	// Both solved: fewer guesses wins.
	if r1.NumGuesses != r2.NumGuesses {
		if r1.NumGuesses < r2.NumGuesses {
			return winnerOutcome(stake, player1)
		}
		return winnerOutcome(stake, player2)
	}

	// Equal guesses: lower elapsed time wins, within tolerance it is a tie.
	delta := r1.TotalTimeMs - r2.TotalTimeMs
	if delta < 0 {
		delta = -delta
	}
	if delta < tieToleranceMs {
		return winningTie(stake)
	}
	if r1.TotalTimeMs < r2.TotalTimeMs {
		return winnerOutcome(stake, player1)
	}
	return winnerOutcome(stake, player2)
}

func loneSubmitter(stake uint64, player string, r *PlayerResult) Outcome {
	if r.Solved {
		return winnerOutcome(stake, player)
	}
	return losingTie(stake)
}

func winnerOutcome(stake uint64, player string) Outcome {
	return Outcome{Winner: player, Kind: TieNone, Plan: WinnerPlan(stake)}
}

func winningTie(stake uint64) Outcome {
	return Outcome{Winner: Tie, Kind: TieWinning, Plan: WinningTiePlan(stake)}
}

func losingTie(stake uint64) Outcome {
	return Outcome{Winner: Tie, Kind: TieLosing, Plan: LosingTiePlan(stake)}
}
