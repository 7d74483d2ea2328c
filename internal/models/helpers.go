package models

import (
	"fmt"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Lets gte/lte/gt tags apply to decimal fields.
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.InexactFloat64()
		}
		return nil
	}, decimal.Decimal{})
	return v
}

// Validate runs the struct tags of v.
func Validate(v interface{}) error {
	return validate.Struct(v)
}

func NewID() string {
	return uuid.New().String()
}

func GenerateTransactionID() string {
	return fmt.Sprintf("tx_%s_%d",
		time.Now().Format("20060102"),
		uuid.New().ID())
}

// CalculatePayout returns amount × multiplier rounded to cents.
func CalculatePayout(betAmount, multiplier decimal.Decimal) decimal.Decimal {
	return betAmount.Mul(multiplier).Round(2)
}

// Validate checks the amount against the configured bounds. Amounts with more
// than two fractional digits are rejected rather than rounded.
func (br *PlaceBetRequest) Validate(min, max decimal.Decimal) error {
	if !br.Amount.IsPositive() {
		return fmt.Errorf("bet amount must be positive")
	}
	if !br.Amount.Equal(br.Amount.Truncate(2)) {
		return fmt.Errorf("bet amount supports at most 2 decimal places")
	}
	if br.Amount.LessThan(min) {
		return fmt.Errorf("minimum bet is %s", min.StringFixed(2))
	}
	if br.Amount.GreaterThan(max) {
		return fmt.Errorf("maximum bet is %s", max.StringFixed(2))
	}
	return nil
}
