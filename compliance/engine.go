package compliance

import (
	"context"
	"fmt"
	"time"

	"github.com/mmdatafocus/bookkeeping_core/archive"
	"github.com/mmdatafocus/bookkeeping_core/config"
	"github.com/mmdatafocus/bookkeeping_core/models"
	"github.com/mmdatafocus/bookkeeping_core/store"
	"github.com/sirupsen/logrus"
)

type Flag struct {
	RuleCode string          `json:"rule_code"`
	Severity models.Severity `json:"severity"`
	Message  string          `json:"message"`
}

// Result is what one rule produced. A rule that could not be evaluated
// returns Err and no flags.
type Result struct {
	Flags []Flag
	Err   error
}

type EvalError struct {
	Rule string
	Err  error
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("rule %s: %v", e.Rule, e.Err)
}

func (e *EvalError) Unwrap() error { return e.Err }

type Rule struct {
	Code string
	Eval func(ctx context.Context, v *models.Verification) Result
}

type Report struct {
	Flags  []Flag       `json:"flags"`
	Errors []*EvalError `json:"-"`
}

func (r Report) Score() int {
	flags := make([]models.ComplianceFlag, len(r.Flags))
	for i, f := range r.Flags {
		flags[i] = models.ComplianceFlag{Severity: f.Severity}
	}
	return models.ComplianceScore(flags)
}

// ToModels binds the flags to a stored verification. Messages longer than the
// column are cut so a long document link cannot fail the posting.
func (r Report) ToModels(businessId string, verificationId int) []*models.ComplianceFlag {
	out := make([]*models.ComplianceFlag, 0, len(r.Flags))
	for _, f := range r.Flags {
		out = append(out, &models.ComplianceFlag{
			BusinessId:     businessId,
			VerificationId: verificationId,
			RuleCode:       f.RuleCode,
			Severity:       f.Severity,
			Message:        models.TruncateFlagMessage(f.Message),
		})
	}
	return out
}

type Deps struct {
	Reader  store.Reader
	Archive archive.Store
	Now     func() time.Time
	// ArchiveCheck enables the R-021 archive lookup.
	ArchiveCheck bool
	Logger       *logrus.Logger
}

type Engine struct {
	rules  []Rule
	reader store.Reader
	logger *logrus.Logger
}

func NewEngine(deps Deps) *Engine {
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	if deps.Logger == nil {
		deps.Logger = config.GetLogger()
	}
	return &Engine{
		rules:  DefaultRules(deps),
		reader: deps.Reader,
		logger: deps.Logger,
	}
}

// NewEngineWithRules is used when the rule set differs from DefaultRules.
func NewEngineWithRules(reader store.Reader, logger *logrus.Logger, rules ...Rule) *Engine {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &Engine{rules: rules, reader: reader, logger: logger}
}

// Evaluate runs every rule. A failing rule contributes no flags; its error is
// logged and returned in the report, and evaluation continues.
func (e *Engine) Evaluate(ctx context.Context, v *models.Verification) Report {
	var report Report
	for _, rule := range e.rules {
		res := runRule(ctx, rule, v)
		if res.Err != nil {
			evalErr := &EvalError{Rule: rule.Code, Err: res.Err}
			report.Errors = append(report.Errors, evalErr)
			config.LogError(e.logger, "Compliance", "Evaluate", "rule evaluation failed", map[string]interface{}{
				"rule":          rule.Code,
				"business_id":   v.BusinessId,
				"document_link": v.DocumentLink,
			}, evalErr)
			continue
		}
		report.Flags = append(report.Flags, res.Flags...)
	}
	return report
}

func runRule(ctx context.Context, rule Rule, v *models.Verification) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return rule.Eval(ctx, v)
}
