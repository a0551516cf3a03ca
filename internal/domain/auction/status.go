package auction

import "bazaar-auction-engine/internal/domain/shared"

// Status represents the lifecycle state of an auction.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusPending    Status = "pending"
	StatusActive     Status = "active"
	StatusEndingSoon Status = "ending_soon"
	StatusEnded      Status = "ended"
	StatusSold       Status = "sold"
	StatusCancelled  Status = "cancelled"
)

// transitions is the closed set of legal status moves. Anything absent is an
// InvalidTransition, including every move out of a terminal state.
var transitions = map[Status]map[Status]bool{
	StatusDraft: {
		StatusPending:   true,
		StatusCancelled: true,
	},
	StatusPending: {
		StatusActive:    true,
		StatusCancelled: true,
	},
	StatusActive: {
		StatusEndingSoon: true,
		StatusEnded:      true,
		StatusSold:       true,
		StatusCancelled:  true,
	},
	StatusEndingSoon: {
		StatusEnded:     true,
		StatusSold:      true,
		StatusCancelled: true,
	},
	StatusEnded:     {},
	StatusSold:      {},
	StatusCancelled: {},
}

// IsTerminal reports whether s is absorbing.
func (s Status) IsTerminal() bool {
	return s == StatusEnded || s == StatusSold || s == StatusCancelled
}

// Open reports whether bids can be admitted in this status. EndingSoon is
// bidding-equivalent to Active.
func (s Status) Open() bool {
	return s == StatusActive || s == StatusEndingSoon
}

// CanTransition reports whether s -> to is a legal move.
func (s Status) CanTransition(to Status) bool {
	allowed, ok := transitions[s]
	if !ok {
		return false
	}
	return allowed[to]
}

// Transition validates s -> to and returns the new status, or
// ErrInvalidTransition.
func (s Status) Transition(to Status) (Status, error) {
	if !s.CanTransition(to) {
		return s, shared.ErrInvalidTransition
	}
	return to, nil
}
