// Package types provides common type definitions for the trade ledger system.
package types

import "strings"

// UserTier represents the service tier level
type UserTier string

const (
	// TierFree represents the free service tier with limited features
	TierFree UserTier = "free"
	// TierPaid represents the paid service tier with full features
	TierPaid UserTier = "paid"
)

// Action is the canonical kind of a ledger transaction
type Action string

const (
	// ActionBuy opens or extends a lot
	ActionBuy Action = "Buy"
	// ActionSell consumes open lots oldest first
	ActionSell Action = "Sell"
	// ActionDeposit moves cash into the brokerage account
	ActionDeposit Action = "Deposit"
	// ActionWithdrawal moves cash out of the brokerage account
	ActionWithdrawal Action = "Withdrawal"
	// ActionDividend is income paid by a holding
	ActionDividend Action = "Dividend"
	// ActionFee is a standalone charge not tied to a trade
	ActionFee Action = "Fee"
	// ActionSplit rescales every open lot of an instrument
	ActionSplit Action = "Split"
)

// AllActions lists every action in a stable order
var AllActions = []Action{
	ActionBuy,
	ActionSell,
	ActionDeposit,
	ActionWithdrawal,
	ActionDividend,
	ActionFee,
	ActionSplit,
}

// ParseAction parses a canonical action name, ignoring case
func ParseAction(s string) (Action, bool) {
	for _, a := range AllActions {
		if strings.EqualFold(string(a), strings.TrimSpace(s)) {
			return a, true
		}
	}
	return "", false
}

// IsTrade reports whether the action takes part in lot accounting
func (a Action) IsTrade() bool {
	return a == ActionBuy || a == ActionSell || a == ActionSplit
}

// IsCash reports whether the action only moves cash
func (a Action) IsCash() bool {
	switch a {
	case ActionDeposit, ActionWithdrawal, ActionDividend, ActionFee:
		return true
	default:
		return false
	}
}

// FlowDirection represents whether money flows into or out of the holdings
type FlowDirection string

const (
	// DirectionIn is capital injected by the investor
	DirectionIn FlowDirection = "in"
	// DirectionOut is capital returned to the investor
	DirectionOut FlowDirection = "out"
)

// UnknownInstrument is the instrument key used when a row names no instrument
const UnknownInstrument = "UNKNOWN"

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
