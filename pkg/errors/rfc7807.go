package errors

import (
	"fmt"
	"net/http"
	"time"
)

// ProblemDetails represents RFC 7807 compliant error response
// RFC 7807: Problem Details for HTTP APIs
type ProblemDetails struct {
	// Type is a URI reference that identifies the problem type
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type
	Title string `json:"title"`
	// Status is the HTTP status code
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence of the problem
	Detail string `json:"detail"`
	// Instance is a URI reference that identifies the specific occurrence of the problem
	Instance string `json:"instance,omitempty"`
	// Timestamp when the error occurred
	Timestamp time.Time `json:"timestamp"`
	// TraceID for request tracing and debugging
	TraceID string `json:"traceId,omitempty"`
}

// Standard error types with URIs
const (
	TypeValidationError      = "https://api.agrilink.io/errors/validation-error"
	TypeNotFound             = "https://api.agrilink.io/errors/not-found"
	TypeInternalError        = "https://api.agrilink.io/errors/internal-error"
	TypeComplianceBlocked    = "https://api.agrilink.io/errors/compliance-blocked"
	TypeAllocationConflict   = "https://api.agrilink.io/errors/allocation-conflict"
	TypeInsufficientQuantity = "https://api.agrilink.io/errors/insufficient-quantity"
)

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(problemType, title string, status int, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:      problemType,
		Title:     title,
		Status:    status,
		Detail:    detail,
		Instance:  instance,
		Timestamp: time.Now().UTC(),
	}
}

// WithTraceID adds a trace ID to the problem details
func (p *ProblemDetails) WithTraceID(traceID string) *ProblemDetails {
	p.TraceID = traceID
	return p
}

// Error implements the error interface
func (p *ProblemDetails) Error() string {
	return fmt.Sprintf("[%d] %s: %s", p.Status, p.Title, p.Detail)
}

// ToProblemDetails maps a domain error to its RFC 7807 representation.
// Unknown errors become internal server errors without leaking detail.
func ToProblemDetails(err error, instance string) *ProblemDetails {
	var compliance *ComplianceBlockedError
	var conflict *AllocationConflictError
	var insufficient *InsufficientQuantityError
	var config *ConfigurationError

	switch {
	case As(err, &compliance):
		p := NewProblemDetails(TypeComplianceBlocked, "Compliance Blocked", http.StatusUnprocessableEntity, compliance.Reason(), instance)
		return p
	case As(err, &conflict):
		return NewProblemDetails(TypeAllocationConflict, "Allocation Conflict", http.StatusConflict,
			"a concurrent allocation won the race; please retry", instance)
	case As(err, &insufficient):
		return NewProblemDetails(TypeInsufficientQuantity, "Insufficient Quantity", http.StatusUnprocessableEntity,
			insufficient.Error(), instance)
	case As(err, &config):
		return NewProblemDetails(TypeValidationError, "Configuration Error", http.StatusBadRequest, config.Error(), instance)
	}
	return NewProblemDetails(TypeInternalError, "Internal Server Error", http.StatusInternalServerError,
		"an unexpected error occurred", instance)
}
