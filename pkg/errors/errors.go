// Package errors defines the matching engine's error taxonomy and its
// RFC 7807 problem-details representation for the HTTP surface.
package errors

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Standard error functions
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// ComplianceBlockedError is deterministic and non-retryable. It carries the
// rule code of the first violated Tier-1 rule and is surfaced as a rejected
// match, never silently dropped.
type ComplianceBlockedError struct {
	RuleCode string
	Evidence string
}

func (e *ComplianceBlockedError) Error() string {
	return fmt.Sprintf("compliance blocked: %s (%s)", e.RuleCode, e.Evidence)
}

// Reason returns the human-readable rejection text for the rule code.
func (e *ComplianceBlockedError) Reason() string {
	switch e.RuleCode {
	case "UNSETTLED_POSITION":
		return "a party holds an open opposite-direction position in this commodity"
	case "SAME_DAY_REVERSAL":
		return "the parties already completed an opposite-direction trade today"
	case "PARTY_LINK":
		return "the parties share an identifying credential"
	case "RESTRICTED_PARTY":
		return "a party is on the restricted list"
	}
	return "trade blocked by compliance rules"
}

// AllocationConflictError is transient: the optimistic write lost the
// version race more times than the retry limit allows. The caller may
// resubmit.
type AllocationConflictError struct {
	SupplyID string
	Attempts int
}

func (e *AllocationConflictError) Error() string {
	return fmt.Sprintf("allocation conflict on supply %s after %d attempts", e.SupplyID, e.Attempts)
}

func (e *AllocationConflictError) Retryable() bool { return true }

// InsufficientQuantityError is terminal: the supply has nothing left to
// allocate. Not retryable.
type InsufficientQuantityError struct {
	SupplyID  string
	Requested decimal.Decimal
}

func (e *InsufficientQuantityError) Error() string {
	return fmt.Sprintf("no quantity available on supply %s for request of %s", e.SupplyID, e.Requested)
}

// ExternalServiceDegraded marks a collaborator failure that was recovered
// locally (rule-only risk scoring, cached catalog schema). It is logged,
// never surfaced as a pipeline failure.
var ExternalServiceDegraded = errors.New("external service degraded")

// ConfigurationError is fatal at load time. The engine must refuse to start
// rather than fall back to defaults.
type ConfigurationError struct {
	Field  string
	Detail string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error in %s: %s", e.Field, e.Detail)
}
