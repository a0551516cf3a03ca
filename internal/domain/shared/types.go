package shared

import (
	"github.com/google/uuid"

	"bazaar-auction-engine/internal/domain/money"
)

// SettlementOutcome classifies how an auction closed.
type SettlementOutcome string

const (
	OutcomeSold       SettlementOutcome = "sold"
	OutcomeNoBids     SettlementOutcome = "no_bids"
	OutcomeReserveNot SettlementOutcome = "reserve_not_met"
	OutcomeCancelled  SettlementOutcome = "cancelled"
)

// SettlementResult is what the settlement pass reports for one auction.
type SettlementResult struct {
	AuctionID  uuid.UUID
	Outcome    SettlementOutcome
	WinnerID   *uuid.UUID
	FinalPrice *money.Amount
}
