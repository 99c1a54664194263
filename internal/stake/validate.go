package stake

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"gopkg.in/validator.v2"
)

// ValidationError reports a malformed stake request. Nothing is written
// when admission fails validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("stake: invalid %s: %s", e.Field, e.Reason)
}

// Validate checks a request before any ledger access. now is the admission
// time and maxHorizon bounds how far in the future expiry may be
// (maxHorizon <= 0 disables the bound).
func Validate(req Request, now time.Time, maxHorizon time.Duration) error {
	if err := validator.Validate(req); err != nil {
		return fromValidator(err)
	}
	if !req.Direction.Valid() {
		return &ValidationError{Field: "direction", Reason: fmt.Sprintf("must be up or down, got %q", req.Direction)}
	}
	if req.StrikePrice.IsNegative() {
		return &ValidationError{Field: "strike_price", Reason: "must not be negative"}
	}
	if req.Expiry.IsZero() {
		return &ValidationError{Field: "expiry", Reason: "is required"}
	}
	if !req.Expiry.After(now) {
		return &ValidationError{Field: "expiry", Reason: "must be in the future"}
	}
	if maxHorizon > 0 && req.Expiry.Sub(now) > maxHorizon {
		return &ValidationError{Field: "expiry", Reason: fmt.Sprintf("must be within %s", maxHorizon)}
	}
	return nil
}

// fromValidator turns validator.v2 output into a ValidationError for the
// first offending field, in field-name order so the result is stable.
func fromValidator(err error) error {
	var errs validator.ErrorMap
	if !errors.As(err, &errs) || len(errs) == 0 {
		return &ValidationError{Field: "request", Reason: err.Error()}
	}
	fields := make([]string, 0, len(errs))
	for f := range errs {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	field := fields[0]
	reason := errs[field].Error()
	switch field {
	case "UserID":
		return &ValidationError{Field: "user_id", Reason: "is required"}
	case "Amount":
		return &ValidationError{Field: "amount", Reason: "must be a positive integer"}
	}
	return &ValidationError{Field: field, Reason: reason}
}
