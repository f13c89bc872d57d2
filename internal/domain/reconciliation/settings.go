package reconciliation

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	// DefaultDateToleranceDays is the date window for families without saved settings
	DefaultDateToleranceDays = 2

	// UnboundedDateCapDays bounds the candidate search when no date tolerance is configured
	UnboundedDateCapDays = 30

	maxDateToleranceDays = 365
)

var (
	defaultAmountToleranceAbs = decimal.NewFromInt(1)

	// minimalAmountTolerance applies when neither absolute nor percentage tolerance is set
	minimalAmountTolerance = decimal.New(1, -2)

	hundred = decimal.NewFromInt(100)
)

// Settings holds the per-family matching tolerances.
type Settings struct {
	AmountToleranceAbs  *decimal.Decimal `json:"amountToleranceAbs"`
	AmountTolerancePct  *decimal.Decimal `json:"amountTolerancePct"`
	DateToleranceDays   *int             `json:"dateToleranceDays"`
	DescriptionMatching bool             `json:"descriptionMatching"`
}

// DefaultSettings returns the settings used until a family saves its own.
func DefaultSettings() Settings {
	abs := defaultAmountToleranceAbs
	days := DefaultDateToleranceDays
	return Settings{
		AmountToleranceAbs:  &abs,
		DateToleranceDays:   &days,
		DescriptionMatching: false,
	}
}

// Validate rejects negative tolerances and out-of-range windows.
func (s Settings) Validate() error {
	var errs []error
	if s.AmountToleranceAbs != nil && s.AmountToleranceAbs.IsNegative() {
		errs = append(errs, errors.New("amountToleranceAbs must not be negative"))
	}
	if s.AmountTolerancePct != nil && (s.AmountTolerancePct.IsNegative() || s.AmountTolerancePct.GreaterThan(hundred)) {
		errs = append(errs, errors.New("amountTolerancePct must be between 0 and 100"))
	}
	if s.DateToleranceDays != nil && (*s.DateToleranceDays < 0 || *s.DateToleranceDays > maxDateToleranceDays) {
		errs = append(errs, fmt.Errorf("dateToleranceDays must be between 0 and %d", maxDateToleranceDays))
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidSettings}, errs...)...)
	}
	return nil
}

// AmountTolerance returns the largest accepted magnitude difference for a
// manual of the given amount. Absolute and percentage tolerances combine as
// whichever is looser.
func (s Settings) AmountTolerance(amount decimal.Decimal) decimal.Decimal {
	if s.AmountToleranceAbs == nil && s.AmountTolerancePct == nil {
		return minimalAmountTolerance
	}
	tol := decimal.Zero
	if s.AmountToleranceAbs != nil {
		tol = *s.AmountToleranceAbs
	}
	if s.AmountTolerancePct != nil {
		pct := amount.Abs().Mul(*s.AmountTolerancePct).Div(hundred)
		if pct.GreaterThan(tol) {
			tol = pct
		}
	}
	return tol
}

// DateWindow returns the inclusive date window in days.
func (s Settings) DateWindow() int {
	if s.DateToleranceDays == nil {
		return UnboundedDateCapDays
	}
	return *s.DateToleranceDays
}

// settingsOrDefault keeps a saved null tolerance null; only a family without
// saved settings gets the defaults.
func settingsOrDefault(stored *Settings) Settings {
	if stored == nil {
		return DefaultSettings()
	}
	return *stored
}
