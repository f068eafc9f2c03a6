package models

import (
	"github.com/shopspring/decimal"
)

// BalanceTolerance is the rounding slack accepted between debit and credit sums,
// and between bank amounts and open balances.
var BalanceTolerance = decimal.New(1, -2)

func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// HasCents reports whether d has no precision below öre. Sub-öre amounts
// would round differently per period in declarations and exports.
func HasCents(d decimal.Decimal) bool {
	return d.Equal(d.Round(2))
}

// WithinTolerance reports whether |a-b| <= 0.01.
func WithinTolerance(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(BalanceTolerance)
}

func SumEntries(entries []Entry) (debit, credit decimal.Decimal) {
	debit, credit = decimal.Zero, decimal.Zero
	for _, e := range entries {
		debit = debit.Add(e.Debit)
		credit = credit.Add(e.Credit)
	}
	return debit, credit
}

// AccountNet returns debit - credit over entries whose account falls in class.
func AccountNet(entries []Entry, class AccountClass) decimal.Decimal {
	net := decimal.Zero
	for _, e := range entries {
		if ClassifyAccount(e.Account) == class {
			net = net.Add(e.Debit).Sub(e.Credit)
		}
	}
	return net
}
