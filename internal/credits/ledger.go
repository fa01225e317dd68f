package credits

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrInsufficientCredits gates chat turns that cannot cover the minimum charge.
var ErrInsufficientCredits = errors.New("insufficient credits")

// Pricing holds the rate table used to convert tool usage and token
// consumption into credits.
type Pricing struct {
	// ToolCosts maps tool name to per-invocation credits. Unknown tools
	// cost 0.
	ToolCosts map[string]int
	// InputRate / OutputRate are credits per 1000 tokens.
	InputRate  int
	OutputRate int
	// MinimumCharge is the floor applied to every settled turn.
	MinimumCharge int
	// MaxReservation caps the pre-flight hold.
	MaxReservation int
	// Estimated token volume per loop iteration, used only for reservations.
	EstInputTokensPerIteration  int
	EstOutputTokensPerIteration int
}

// DefaultPricing returns the platform rate table.
func DefaultPricing() Pricing {
	return Pricing{
		ToolCosts: map[string]int{
			"search_games":     8,
			"get_game_details": 4,
			"top_publishers":   6,
			"compare_games":    6,
			"genre_breakdown":  4,
		},
		InputRate:                   2,
		OutputRate:                  8,
		MinimumCharge:               4,
		MaxReservation:              200,
		EstInputTokensPerIteration:  4000,
		EstOutputTokensPerIteration: 1000,
	}
}

// CreditBreakdown itemizes the charge for one chat turn.
// Total = max(TotalBeforeMinimum, MinimumCharge).
type CreditBreakdown struct {
	ToolCredits        int  `json:"tool_credits"`
	InputTokenCredits  int  `json:"input_token_credits"`
	OutputTokenCredits int  `json:"output_token_credits"`
	TotalBeforeMinimum int  `json:"total_before_minimum"`
	Total              int  `json:"total"`
	MinimumApplied     bool `json:"minimum_applied"`
}

// ToolCredits sums per-invocation costs for the given tool names. Unknown
// names cost 0 rather than erroring.
func (p Pricing) ToolCredits(names []string) int {
	total := 0
	for _, name := range names {
		total += p.ToolCosts[name]
	}
	return total
}

// TokenCredits prices token consumption, rounding each side up per 1000
// tokens so a fractional-thousand turn is never under-charged.
func (p Pricing) TokenCredits(inputTokens, outputTokens int) int {
	return ceilDiv(inputTokens*p.InputRate, 1000) + ceilDiv(outputTokens*p.OutputRate, 1000)
}

// TotalCredits computes the full breakdown with the minimum charge applied.
func (p Pricing) TotalCredits(toolNames []string, inputTokens, outputTokens int) CreditBreakdown {
	b := CreditBreakdown{
		ToolCredits:        p.ToolCredits(toolNames),
		InputTokenCredits:  ceilDiv(inputTokens*p.InputRate, 1000),
		OutputTokenCredits: ceilDiv(outputTokens*p.OutputRate, 1000),
	}
	b.TotalBeforeMinimum = b.ToolCredits + b.InputTokenCredits + b.OutputTokenCredits
	b.Total = b.TotalBeforeMinimum
	if b.Total < p.MinimumCharge {
		b.Total = p.MinimumCharge
		b.MinimumApplied = true
	}
	return b
}

// EstimateReservation computes the pre-flight upper-bound hold for a turn
// expected to run expectedIterations model calls and expectedTools tool
// invocations. The result is always within [MinimumCharge, MaxReservation],
// independent of input magnitude.
func (p Pricing) EstimateReservation(expectedIterations, expectedTools int) int {
	if expectedIterations < 1 {
		expectedIterations = 1
	}
	if expectedTools < 0 {
		expectedTools = 0
	}

	maxToolCost := 0
	for _, cost := range p.ToolCosts {
		if cost > maxToolCost {
			maxToolCost = cost
		}
	}

	est := expectedTools*maxToolCost +
		expectedIterations*p.TokenCredits(p.EstInputTokensPerIteration, p.EstOutputTokensPerIteration)

	if est < p.MinimumCharge {
		est = p.MinimumCharge
	}
	if est > p.MaxReservation {
		est = p.MaxReservation
	}
	return est
}

// HasMinimumCredits reports whether balance can cover the minimum charge.
func (p Pricing) HasMinimumCredits(balance int) bool {
	return balance >= p.MinimumCharge
}

func ceilDiv(a, b int) int {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// Reservation is a provisional hold placed before a chat turn starts.
type Reservation struct {
	UserID string
	Amount int
}

// Ledger runs the two-phase reserve/settle protocol over a balance store.
type Ledger struct {
	store   BalanceStore
	pricing Pricing
	logger  *zap.Logger
}

// NewLedger constructs a ledger.
func NewLedger(store BalanceStore, pricing Pricing, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{store: store, pricing: pricing, logger: logger}
}

// Pricing exposes the rate table for callers that price without reserving.
func (l *Ledger) Pricing() Pricing {
	return l.pricing
}

// CheckEligibility verifies the user can cover the minimum charge. It is the
// sole precondition gate before a chat turn starts; failure means no
// reservation and no model call.
func (l *Ledger) CheckEligibility(ctx context.Context, userID string) error {
	balance, err := l.store.Balance(ctx, userID)
	if err != nil {
		return fmt.Errorf("read balance: %w", err)
	}
	if !l.pricing.HasMinimumCredits(balance) {
		return fmt.Errorf("%w: balance %d below minimum %d", ErrInsufficientCredits, balance, l.pricing.MinimumCharge)
	}
	return nil
}

// Reserve places a provisional hold sized by the pre-flight estimate.
func (l *Ledger) Reserve(ctx context.Context, userID string, expectedIterations, expectedTools int) (Reservation, error) {
	amount := l.pricing.EstimateReservation(expectedIterations, expectedTools)
	if err := l.store.Hold(ctx, userID, amount); err != nil {
		return Reservation{}, fmt.Errorf("hold credits: %w", err)
	}
	l.logger.Debug("credits reserved",
		zap.String("user_id", userID),
		zap.Int("amount", amount))
	return Reservation{UserID: userID, Amount: amount}, nil
}

// Settle releases the hold and debits the true cost computed from actual
// usage. When actual usage exceeds the reservation the full amount is
// debited as a follow-up charge; the excess is never silently absorbed.
func (l *Ledger) Settle(ctx context.Context, res Reservation, toolNames []string, inputTokens, outputTokens int) (CreditBreakdown, error) {
	breakdown := l.pricing.TotalCredits(toolNames, inputTokens, outputTokens)
	if err := l.store.SettleHold(ctx, res.UserID, res.Amount, breakdown.Total); err != nil {
		return CreditBreakdown{}, fmt.Errorf("settle credits: %w", err)
	}
	l.logger.Debug("credits settled",
		zap.String("user_id", res.UserID),
		zap.Int("reserved", res.Amount),
		zap.Int("charged", breakdown.Total))
	return breakdown, nil
}

// Release cancels a reservation without charging, used when the turn never
// performed billable work.
func (l *Ledger) Release(ctx context.Context, res Reservation) error {
	if err := l.store.SettleHold(ctx, res.UserID, res.Amount, 0); err != nil {
		return fmt.Errorf("release hold: %w", err)
	}
	return nil
}
