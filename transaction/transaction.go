// Package transaction defines the transaction model accepted at intake,
// its validation rules, and the status records tracked for every accepted
// submission until delivery reaches a terminal state.
package transaction

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Transaction is a client submission to be relayed to the posting service.
type Transaction struct {
	// ID is a client-supplied idempotency token, or server-generated when absent.
	ID string `json:"id,omitempty"`
	// Amount is the transaction amount, strictly positive.
	Amount float64 `json:"amount" validate:"required,gt=0"`
	// Currency is a 3-letter ISO 4217 code.
	Currency string `json:"currency" validate:"required,len=3"`
	// Description is free-form, 1-255 characters.
	Description string `json:"description" validate:"required,max=255"`
	// Timestamp defaults to the submission instant when absent.
	Timestamp time.Time `json:"timestamp"`
	// Metadata is an optional free-form mapping carried with the transaction.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ErrValidation prefixes all intake validation failures.
var ErrValidation = errors.New("invalid transaction")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate returns an ErrValidation describing the first violated constraint,
// or nil. It must pass before any durable state is written for the transaction.
func (t *Transaction) Validate() error {
	var err = validate.Struct(t)
	if err == nil {
		return nil
	}

	var fields validator.ValidationErrors
	if !errors.As(err, &fields) || len(fields) == 0 {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	switch fields[0].StructField() {
	case "Amount":
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	case "Currency":
		return fmt.Errorf("%w: currency must be a 3-letter ISO 4217 code", ErrValidation)
	case "Description":
		return fmt.Errorf("%w: description must be 1-255 characters", ErrValidation)
	default:
		return fmt.Errorf("%w: field %q fails constraint %q",
			ErrValidation, fields[0].StructField(), fields[0].Tag())
	}
}

// Normalize fills the optional identity and timestamp of a validated
// transaction. Server-generated IDs are UUIDs.
func (t *Transaction) Normalize(now time.Time) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = now
	}
}
