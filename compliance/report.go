package compliance

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/bookkeeping_core/models"
	"github.com/mmdatafocus/bookkeeping_core/store"
)

// YearReport collects the stored flags of every verification dated in a
// calendar year, plus the yearly R-051 finding.
type YearReport struct {
	BusinessId    string                   `json:"business_id"`
	Year          int                      `json:"year"`
	Verifications int                      `json:"verifications"`
	Flags         []*models.ComplianceFlag `json:"flags"`
	Yearly        []Flag                   `json:"yearly"`
	Errors        int                      `json:"errors"`
	Warnings      int                      `json:"warnings"`
	Infos         int                      `json:"infos"`
	Score         int                      `json:"score"`
}

func (e *Engine) YearReport(ctx context.Context, businessId string, year int) (*YearReport, error) {
	if e.reader == nil {
		return nil, errors.New("compliance engine has no store reader")
	}
	if year < 1900 || year > 9999 {
		return nil, models.NewValidationError("year", "year out of range")
	}
	from := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(1, 0, 0)
	vs, err := e.reader.ListVerifications(ctx, store.VerificationFilter{BusinessId: businessId, From: &from, To: &to})
	if err != nil {
		return nil, err
	}
	report := &YearReport{BusinessId: businessId, Year: year, Verifications: len(vs)}
	if len(vs) > 0 {
		ids := make([]int, len(vs))
		for i, v := range vs {
			ids[i] = v.ID
		}
		report.Flags, err = e.reader.ListFlags(ctx, store.FlagFilter{BusinessId: businessId, VerificationIds: ids})
		if err != nil {
			return nil, err
		}
		report.Yearly = append(report.Yearly, Flag{RuleCode: RuleSieExport, Severity: models.SeverityInfo, Message: "SIE-export tillgänglig."})
	} else {
		report.Yearly = append(report.Yearly, Flag{RuleCode: RuleSieExport, Severity: models.SeverityInfo, Message: "Ingen SIE att exportera."})
	}

	all := make([]models.ComplianceFlag, 0, len(report.Flags))
	for _, f := range report.Flags {
		all = append(all, *f)
	}
	for _, f := range all {
		switch f.Severity {
		case models.SeverityError:
			report.Errors++
		case models.SeverityWarning:
			report.Warnings++
		default:
			report.Infos++
		}
	}
	report.Infos += len(report.Yearly)
	report.Score = models.ComplianceScore(all)
	return report, nil
}
