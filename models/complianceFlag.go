package models

import "time"

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// MaxFlagMessageLength is the width of the message column, in characters.
const MaxFlagMessageLength = 512

type ComplianceFlag struct {
	ID             int       `gorm:"primary_key" json:"id"`
	BusinessId     string    `gorm:"size:64;not null;index" json:"business_id"`
	VerificationId int       `gorm:"index;not null" json:"verification_id"`
	RuleCode       string    `gorm:"size:16;not null" json:"rule_code"`
	Severity       Severity  `gorm:"size:16;not null" json:"severity"`
	Message        string    `gorm:"size:512;not null" json:"message"`
	ResolvedBy     *string   `gorm:"size:100" json:"resolved_by"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TruncateFlagMessage cuts msg to fit the message column.
func TruncateFlagMessage(msg string) string {
	r := []rune(msg)
	if len(r) <= MaxFlagMessageLength {
		return msg
	}
	return string(r[:MaxFlagMessageLength-1]) + "…"
}

func (f ComplianceFlag) IsResolved() bool {
	return f.ResolvedBy != nil && *f.ResolvedBy != ""
}

// ComplianceScore is max(0, 100 - 20*errors - 10*warnings).
func ComplianceScore(flags []ComplianceFlag) int {
	score := 100
	for _, f := range flags {
		switch f.Severity {
		case SeverityError:
			score -= 20
		case SeverityWarning:
			score -= 10
		}
	}
	if score < 0 {
		return 0
	}
	return score
}
