package config

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/mmdatafocus/bookkeeping_core/appctx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TenantTables are the tables whose rows belong to one business. The audit
// chain and entries are not listed: the chain is global and entries are only
// reached through their verification.
var TenantTables = []string{
	"verifications",
	"compliance_flags",
	"period_locks",
	"fiscal_years",
	"bank_transactions",
	"outbox_events",
	"entity_sequences",
}

var ErrCrossTenantWrite = errors.New("tenant guard: row belongs to another business")

// TenantGuardPlugin scopes reads, updates and deletes on tenant tables to the
// business in the request context and refuses inserts for another business.
// Without a business in the context (workers, operator tools) it does nothing.
// Raw SQL is not scoped.
type TenantGuardPlugin struct {
	tables map[string]bool
}

func NewTenantGuardPlugin(tables ...string) *TenantGuardPlugin {
	p := &TenantGuardPlugin{tables: make(map[string]bool, len(tables))}
	for _, t := range tables {
		p.tables[t] = true
	}
	return p
}

func (p *TenantGuardPlugin) Name() string { return "tenant_guard" }

func (p *TenantGuardPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()
	if err := cb.Query().Before("gorm:query").Register("tenant_guard:query", p.scope); err != nil {
		return err
	}
	if err := cb.Row().Before("gorm:row").Register("tenant_guard:row", p.scope); err != nil {
		return err
	}
	if err := cb.Update().Before("gorm:update").Register("tenant_guard:update", p.scope); err != nil {
		return err
	}
	if err := cb.Delete().Before("gorm:delete").Register("tenant_guard:delete", p.scope); err != nil {
		return err
	}
	return cb.Create().Before("gorm:create").Register("tenant_guard:create", p.checkCreate)
}

// tenant returns the context business when the statement targets a tenant table.
func (p *TenantGuardPlugin) tenant(db *gorm.DB) (string, bool) {
	if db == nil || db.Statement == nil || db.Statement.Context == nil || db.Statement.Schema == nil {
		return "", false
	}
	businessID := businessIdFromContext(db.Statement.Context)
	if businessID == "" {
		return "", false
	}
	table := db.Statement.Table
	if table == "" {
		table = db.Statement.Schema.Table
	}
	return businessID, p.tables[table]
}

func (p *TenantGuardPlugin) scope(db *gorm.DB) {
	businessID, ok := p.tenant(db)
	if !ok || whereHasBusinessID(db.Statement.Clauses["WHERE"]) {
		return
	}
	db.Statement.AddClause(clause.Where{
		Exprs: []clause.Expression{
			clause.Eq{
				Column: clause.Column{Table: clause.CurrentTable, Name: "business_id"},
				Value:  businessID,
			},
		},
	})
}

func (p *TenantGuardPlugin) checkCreate(db *gorm.DB) {
	businessID, ok := p.tenant(db)
	if !ok {
		return
	}
	field := db.Statement.Schema.LookUpField("business_id")
	if field == nil {
		return
	}
	check := func(row reflect.Value) {
		row = reflect.Indirect(row)
		if row.Kind() != reflect.Struct {
			return
		}
		value, zero := field.ValueOf(db.Statement.Context, row)
		if zero {
			return
		}
		if owner, _ := value.(string); owner != businessID {
			_ = db.AddError(fmt.Errorf("%w: %s row for business %s", ErrCrossTenantWrite, db.Statement.Table, owner))
		}
	}
	rv := reflect.Indirect(db.Statement.ReflectValue)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			check(rv.Index(i))
		}
	case reflect.Struct:
		check(rv)
	}
}

func businessIdFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(appctx.ContextKeyBusinessId).(string); ok && v != "" {
		return v
	}
	return ""
}

func whereHasBusinessID(c clause.Clause) bool {
	w, ok := c.Expression.(clause.Where)
	if !ok {
		return false
	}
	for _, e := range w.Exprs {
		if exprHasBusinessID(e) {
			return true
		}
	}
	return false
}

// exprHasBusinessID covers the forms the store builds: Where("business_id = ?")
// and struct conditions.
func exprHasBusinessID(e clause.Expression) bool {
	switch v := e.(type) {
	case clause.Expr:
		return strings.Contains(strings.ToLower(v.SQL), "business_id")
	case clause.Eq:
		if c, ok := v.Column.(clause.Column); ok {
			return strings.EqualFold(c.Name, "business_id")
		}
		if s, ok := v.Column.(string); ok {
			return strings.EqualFold(s, "business_id")
		}
	case clause.AndConditions:
		for _, x := range v.Exprs {
			if exprHasBusinessID(x) {
				return true
			}
		}
	}
	return false
}
