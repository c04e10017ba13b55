// Package validate checks trades before they reach the reconciler.
//
// Each trade type has its own Validator; Trade dispatches on TradeType and
// returns a structured *Error listing every offending field instead of
// coercing bad input.
package validate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/tradetracker/position-engine/internal/model"
)

var (
	ErrInvalidTrade   = errors.New("validate: invalid trade")
	ErrUnknownType    = errors.New("validate: unsupported trade type")
	ErrInvalidAction  = errors.New("validate: action not allowed for trade type")
	ErrMissingField   = errors.New("validate: required field missing")
	ErrForbiddenField = errors.New("validate: field not allowed for trade type")
	ErrOutOfRange     = errors.New("validate: value out of range")
)

// FieldError is one reason a trade was rejected.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
	err    error
}

func (f FieldError) Error() string { return f.Field + ": " + f.Reason }
func (f FieldError) Unwrap() error { return f.err }

// Error is the result of a failed validation. It matches ErrInvalidTrade and
// each contained field error with errors.Is.
type Error struct {
	Fields []FieldError `json:"fields"`
}

func (e *Error) Error() string {
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.Error()
	}
	return fmt.Sprintf("%s: %s", ErrInvalidTrade, strings.Join(msgs, "; "))
}

func (e *Error) Is(target error) bool {
	if target == ErrInvalidTrade {
		return true
	}
	for _, f := range e.Fields {
		if errors.Is(f.err, target) {
			return true
		}
	}
	return false
}

// Validator checks one trade type.
type Validator interface {
	Validate(t *model.Trade) []FieldError
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(t *model.Trade) []FieldError

func (f ValidatorFunc) Validate(t *model.Trade) []FieldError { return f(t) }

var validators = map[model.TradeType]Validator{
	model.TradeTypeStock:  ValidatorFunc(validateStock),
	model.TradeTypeOption: ValidatorFunc(validateOption),
	model.TradeTypeCash:   ValidatorFunc(validateCash),
}

// Trade validates t against the rules of its trade type. It returns nil or
// an *Error.
func Trade(t *model.Trade) error {
	if t == nil {
		return &Error{Fields: []FieldError{missing("trade")}}
	}
	v, ok := validators[t.TradeType]
	if !ok {
		return &Error{Fields: []FieldError{{
			Field:  "trade_type",
			Reason: fmt.Sprintf("unsupported trade type %q", t.TradeType),
			err:    ErrUnknownType,
		}}}
	}
	fields := append(common(t), v.Validate(t)...)
	if len(fields) > 0 {
		return &Error{Fields: fields}
	}
	return nil
}

// common applies to every trade type.
func common(t *model.Trade) []FieldError {
	var fs []FieldError
	if t.Quantity.IsZero() {
		fs = append(fs, outOfRange("quantity", "must be non-zero"))
	}
	if t.Fee.IsNegative() {
		fs = append(fs, outOfRange("fee", "must not be negative"))
	}
	if t.PurchaseDate.IsZero() {
		fs = append(fs, missing("purchase_date"))
	}
	return fs
}

func validateStock(t *model.Trade) []FieldError {
	fs := security(t)
	if t.OptionType != model.OptionTypeNone {
		fs = append(fs, forbidden("option_type"))
	}
	if t.ExpiryDate != nil {
		fs = append(fs, forbidden("expiry_date"))
	}
	if t.StrikePrice != nil {
		fs = append(fs, forbidden("strike_price"))
	}
	return fs
}

func validateOption(t *model.Trade) []FieldError {
	fs := security(t)
	if t.OptionType != model.OptionTypeCall && t.OptionType != model.OptionTypePut {
		fs = append(fs, FieldError{
			Field:  "option_type",
			Reason: "must be CALL or PUT",
			err:    ErrMissingField,
		})
	}
	if t.ExpiryDate == nil {
		fs = append(fs, missing("expiry_date"))
	}
	if t.StrikePrice == nil {
		fs = append(fs, missing("strike_price"))
	} else if !t.StrikePrice.IsPositive() {
		fs = append(fs, outOfRange("strike_price", "must be positive"))
	}
	return fs
}

// security holds the rules shared by stock and option trades.
func security(t *model.Trade) []FieldError {
	var fs []FieldError
	if strings.TrimSpace(t.Symbol) == "" {
		fs = append(fs, missing("symbol"))
	}
	if !t.IsOpening() && !t.IsClosing() {
		fs = append(fs, badAction(t))
	}
	if t.FillPrice.IsNegative() {
		fs = append(fs, outOfRange("fill_price", "must not be negative"))
	}
	return fs
}

func validateCash(t *model.Trade) []FieldError {
	var fs []FieldError
	if t.Action != model.ActionDeposit && t.Action != model.ActionWithdraw {
		fs = append(fs, badAction(t))
	}
	if t.Symbol != "" {
		fs = append(fs, forbidden("symbol"))
	}
	if t.OptionType != model.OptionTypeNone {
		fs = append(fs, forbidden("option_type"))
	}
	if t.ExpiryDate != nil {
		fs = append(fs, forbidden("expiry_date"))
	}
	if t.StrikePrice != nil {
		fs = append(fs, forbidden("strike_price"))
	}
	// Amount is a magnitude; the action carries the direction.
	if !t.FillPrice.GreaterThan(decimal.Zero) {
		fs = append(fs, outOfRange("fill_price", "cash amount must be positive"))
	}
	return fs
}

func missing(field string) FieldError {
	return FieldError{Field: field, Reason: "required", err: ErrMissingField}
}

func forbidden(field string) FieldError {
	return FieldError{Field: field, Reason: "not allowed for this trade type", err: ErrForbiddenField}
}

func outOfRange(field, reason string) FieldError {
	return FieldError{Field: field, Reason: reason, err: ErrOutOfRange}
}

func badAction(t *model.Trade) FieldError {
	return FieldError{
		Field:  "action",
		Reason: fmt.Sprintf("%q not allowed for %s", t.Action, t.TradeType),
		err:    ErrInvalidAction,
	}
}
