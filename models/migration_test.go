package models

import (
	"sort"
	"sync"
	"testing"

	"github.com/mmdatafocus/bookkeeping_core/config"
	"gorm.io/gorm/schema"
)

func TestTenantTablesMatchModels(t *testing.T) {
	var owned []string
	cache := &sync.Map{}
	for _, m := range Tables() {
		s, err := schema.Parse(m, cache, schema.NamingStrategy{})
		if err != nil {
			t.Fatalf("parse %T: %v", m, err)
		}
		if s.LookUpField("business_id") != nil {
			owned = append(owned, s.Table)
		}
	}
	guarded := append([]string(nil), config.TenantTables...)
	sort.Strings(owned)
	sort.Strings(guarded)
	if len(owned) != len(guarded) {
		t.Fatalf("tables with business_id %v, guarded %v", owned, guarded)
	}
	for i := range owned {
		if owned[i] != guarded[i] {
			t.Fatalf("tables with business_id %v, guarded %v", owned, guarded)
		}
	}
}
