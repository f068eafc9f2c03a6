package models

import (
	"strings"

	"github.com/shopspring/decimal"
)

type VatCategory string

const (
	VatCategoryDomestic      VatCategory = "Domestic"
	VatCategoryReverseCharge VatCategory = "ReverseCharge"
	VatCategoryOSS           VatCategory = "OSS"
	VatCategoryExempt        VatCategory = "Exempt"
)

type VatCode struct {
	Code          string          `json:"code"`
	Description   string          `json:"description"`
	Rate          decimal.Decimal `json:"rate"`
	ReverseCharge bool            `json:"reverse_charge"`
	Category      VatCategory     `json:"category"`
}

var vatCodes = map[string]VatCode{
	"SE25":       {Code: "SE25", Description: "Svensk moms 25%", Rate: decimal.RequireFromString("0.25"), Category: VatCategoryDomestic},
	"SE12":       {Code: "SE12", Description: "Svensk moms 12%", Rate: decimal.RequireFromString("0.12"), Category: VatCategoryDomestic},
	"SE06":       {Code: "SE06", Description: "Svensk moms 6%", Rate: decimal.RequireFromString("0.06"), Category: VatCategoryDomestic},
	"SE00":       {Code: "SE00", Description: "Momsfri", Rate: decimal.Zero, Category: VatCategoryExempt},
	"RC25":       {Code: "RC25", Description: "Omvänd skattskyldighet 25%", Rate: decimal.RequireFromString("0.25"), ReverseCharge: true, Category: VatCategoryReverseCharge},
	"EU-RC-SERV": {Code: "EU-RC-SERV", Description: "EU-tjänst omvänd", Rate: decimal.RequireFromString("0.25"), ReverseCharge: true, Category: VatCategoryReverseCharge},
}

var (
	reverseChargePrefixes = []string{"RC", "EU-RC"}
	ossPrefix             = "OSS"
)

// LookupVatCode resolves a code from the static table. Unlisted codes in the
// reverse charge and OSS families resolve to a synthesized entry.
func LookupVatCode(code string) (VatCode, bool) {
	c := strings.ToUpper(strings.TrimSpace(code))
	if vc, ok := vatCodes[c]; ok {
		return vc, true
	}
	for _, p := range reverseChargePrefixes {
		if strings.HasPrefix(c, p) {
			return VatCode{Code: c, Rate: decimal.Zero, ReverseCharge: true, Category: VatCategoryReverseCharge}, true
		}
	}
	if strings.HasPrefix(c, ossPrefix) {
		return VatCode{Code: c, Rate: decimal.Zero, Category: VatCategoryOSS}, true
	}
	return VatCode{}, false
}

func VatCodes() []VatCode {
	out := make([]VatCode, 0, len(vatCodes))
	for _, k := range []string{"SE25", "SE12", "SE06", "SE00", "RC25", "EU-RC-SERV"} {
		out = append(out, vatCodes[k])
	}
	return out
}
