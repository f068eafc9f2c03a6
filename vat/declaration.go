package vat

import (
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/bookkeeping_core/models"
	"github.com/shopspring/decimal"
)

const periodLayout = "2006-01"

// Declaration holds the VAT boxes for [Start, End) of one business.
type Declaration struct {
	BusinessId string    `json:"business_id"`
	Period     string    `json:"period,omitempty"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`

	Base25   decimal.Decimal `json:"base25"`
	Base12   decimal.Decimal `json:"base12"`
	Base6    decimal.Decimal `json:"base6"`
	Output25 decimal.Decimal `json:"output25"`
	Output12 decimal.Decimal `json:"output12"`
	Output6  decimal.Decimal `json:"output6"`
	Input    decimal.Decimal `json:"input"`
	Net      decimal.Decimal `json:"net"`

	ReverseChargeBase decimal.Decimal `json:"reverse_charge_base"`
	OSSSales          decimal.Decimal `json:"oss_sales"`

	Verifications int `json:"verifications"`
}

// Box is one numbered field of the SKV declaration.
type Box struct {
	Code        string
	Description string
	Amount      decimal.Decimal
}

// SKVBoxCodes lists the boxes written to the declaration file, in order.
var SKVBoxCodes = []string{"05", "06", "07", "30", "31", "32", "48", "49"}

func (d *Declaration) Boxes() []Box {
	return []Box{
		{"05", "Momspliktig försäljning 25%", d.Base25},
		{"06", "Momspliktig försäljning 12%", d.Base12},
		{"07", "Momspliktig försäljning 6%", d.Base6},
		{"30", "Utgående moms 25%", d.Output25},
		{"31", "Utgående moms 12%", d.Output12},
		{"32", "Utgående moms 6%", d.Output6},
		{"48", "Ingående moms att dra av", d.Input},
		{"49", "Moms att betala eller få tillbaka", d.Net},
	}
}

// BoxMap keys the boxes by their logical names.
func (d *Declaration) BoxMap() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"base25":              d.Base25,
		"base12":              d.Base12,
		"base6":               d.Base6,
		"output25":            d.Output25,
		"output12":            d.Output12,
		"output6":             d.Output6,
		"input":               d.Input,
		"net":                 d.Net,
		"reverse_charge_base": d.ReverseChargeBase,
		"oss_sales":           d.OSSSales,
	}
}

// ParsePeriod turns "YYYY-MM" into the half-open month [start, end).
func ParsePeriod(period string) (time.Time, time.Time, error) {
	start, err := time.Parse(periodLayout, strings.TrimSpace(period))
	if err != nil {
		return time.Time{}, time.Time{}, models.NewValidationError("period", fmt.Sprintf("expected YYYY-MM, got %q", period))
	}
	return start, start.AddDate(0, 1, 0), nil
}

// verificationBase is the signed P&L flow of v: revenue credit-debit plus
// expense debit-credit. VAT, cash and balance accounts do not count.
func verificationBase(v *models.Verification) decimal.Decimal {
	base := decimal.Zero
	for _, e := range v.Entries {
		switch models.ClassifyAccount(e.Account) {
		case models.AccountClassRevenue:
			base = base.Add(e.Credit).Sub(e.Debit)
		case models.AccountClassExpense:
			base = base.Add(e.Debit).Sub(e.Credit)
		}
	}
	return base
}

// Aggregate folds verifications into a declaration. It does not filter by
// date; callers pass the verifications of the period.
func Aggregate(businessId string, start, end time.Time, vs []*models.Verification) *Declaration {
	d := &Declaration{BusinessId: businessId, Start: start, End: end}
	for _, v := range vs {
		d.Verifications++
		for _, e := range v.Entries {
			switch models.ClassifyAccount(e.Account) {
			case models.AccountClassOutputVat25:
				d.Output25 = d.Output25.Add(e.Credit).Sub(e.Debit)
			case models.AccountClassOutputVat12:
				d.Output12 = d.Output12.Add(e.Credit).Sub(e.Debit)
			case models.AccountClassOutputVat6:
				d.Output6 = d.Output6.Add(e.Credit).Sub(e.Debit)
			case models.AccountClassInputVat:
				d.Input = d.Input.Add(e.Debit).Sub(e.Credit)
			}
		}

		code, ok := models.LookupVatCode(v.VatCode)
		if !ok {
			continue
		}
		base := verificationBase(v)
		switch {
		case code.Category == models.VatCategoryReverseCharge:
			d.ReverseChargeBase = d.ReverseChargeBase.Add(base)
		case code.Category == models.VatCategoryOSS:
			d.OSSSales = d.OSSSales.Add(base)
		case code.Code == "SE25":
			d.Base25 = d.Base25.Add(base)
		case code.Code == "SE12":
			d.Base12 = d.Base12.Add(base)
		case code.Code == "SE06":
			d.Base6 = d.Base6.Add(base)
		}
	}
	d.Net = d.Output25.Add(d.Output12).Add(d.Output6).Sub(d.Input)
	d.round()
	return d
}

func (d *Declaration) round() {
	for _, p := range []*decimal.Decimal{
		&d.Base25, &d.Base12, &d.Base6,
		&d.Output25, &d.Output12, &d.Output6,
		&d.Input, &d.Net, &d.ReverseChargeBase, &d.OSSSales,
	} {
		*p = models.Round2(*p)
	}
}
