package models

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type AccountClass string

const (
	AccountClassUnknown     AccountClass = "Unknown"
	AccountClassAsset       AccountClass = "Asset"
	AccountClassReceivable  AccountClass = "Receivable"
	AccountClassCash        AccountClass = "Cash"
	AccountClassLiability   AccountClass = "Liability"
	AccountClassPayable     AccountClass = "Payable"
	AccountClassOutputVat25 AccountClass = "OutputVat25"
	AccountClassOutputVat12 AccountClass = "OutputVat12"
	AccountClassOutputVat6  AccountClass = "OutputVat6"
	AccountClassInputVat    AccountClass = "InputVat"
	AccountClassRevenue     AccountClass = "Revenue"
	AccountClassExpense     AccountClass = "Expense"
	AccountClassSuspense    AccountClass = "Suspense"
)

const (
	SuspenseAccount   = "9999"
	ReceivableAccount = "1510"
	PayableAccount    = "2440"
)

type AccountRange struct {
	From  int
	To    int
	Class AccountClass
}

// AccountClasses maps every four digit BAS account to exactly one class.
// Longer codes are classified by their first four digits.
var AccountClasses = []AccountRange{
	{1000, 1509, AccountClassAsset},
	{1510, 1510, AccountClassReceivable},
	{1511, 1899, AccountClassAsset},
	{1900, 1999, AccountClassCash},
	{2000, 2439, AccountClassLiability},
	{2440, 2440, AccountClassPayable},
	{2441, 2609, AccountClassLiability},
	{2610, 2611, AccountClassOutputVat25},
	{2612, 2612, AccountClassOutputVat12},
	{2613, 2613, AccountClassOutputVat6},
	{2614, 2619, AccountClassOutputVat25},
	{2620, 2629, AccountClassOutputVat12},
	{2630, 2639, AccountClassOutputVat6},
	{2640, 2649, AccountClassInputVat},
	{2650, 2999, AccountClassLiability},
	{3000, 3999, AccountClassRevenue},
	{4000, 7999, AccountClassExpense},
	{8000, 8399, AccountClassRevenue},
	{8400, 8999, AccountClassExpense},
	{9000, 9999, AccountClassSuspense},
}

// ValidateAccountClasses checks that ranges are ordered, do not overlap and
// cover 1000-9999 without holes.
func ValidateAccountClasses(ranges []AccountRange) error {
	if len(ranges) == 0 {
		return fmt.Errorf("account classes: table is empty")
	}
	sorted := make([]AccountRange, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].From < sorted[j].From })

	next := 1000
	for _, r := range sorted {
		if r.From > r.To {
			return fmt.Errorf("account classes: range %d-%d is inverted", r.From, r.To)
		}
		if r.Class == "" || r.Class == AccountClassUnknown {
			return fmt.Errorf("account classes: range %d-%d has no class", r.From, r.To)
		}
		if r.From < next {
			return fmt.Errorf("account classes: range %d-%d overlaps previous range", r.From, r.To)
		}
		if r.From > next {
			return fmt.Errorf("account classes: accounts %d-%d are not classified", next, r.From-1)
		}
		next = r.To + 1
	}
	if next != 10000 {
		return fmt.Errorf("account classes: accounts %d-9999 are not classified", next)
	}
	return nil
}

// IsValidAccountCode is the numeric length sanity check used by interchange files.
func IsValidAccountCode(code string) bool {
	s := strings.TrimSpace(code)
	if len(s) < 3 || len(s) > 6 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func normalizeAccount(code string) (int, bool) {
	s := strings.TrimSpace(code)
	if !IsValidAccountCode(s) {
		return 0, false
	}
	if len(s) > 4 {
		s = s[:4]
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	if len(s) == 3 {
		n *= 10
	}
	return n, true
}

func ClassifyAccount(code string) AccountClass {
	n, ok := normalizeAccount(code)
	if !ok {
		return AccountClassUnknown
	}
	i := sort.Search(len(AccountClasses), func(i int) bool { return AccountClasses[i].To >= n })
	if i < len(AccountClasses) && AccountClasses[i].From <= n {
		return AccountClasses[i].Class
	}
	return AccountClassUnknown
}

func (c AccountClass) IsOutputVat() bool {
	return c == AccountClassOutputVat25 || c == AccountClassOutputVat12 || c == AccountClassOutputVat6
}

func (c AccountClass) IsVat() bool {
	return c.IsOutputVat() || c == AccountClassInputVat
}
