package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mmdatafocus/bookkeeping_core/audit"
	"github.com/mmdatafocus/bookkeeping_core/config"
	"github.com/mmdatafocus/bookkeeping_core/store"
)

// verify-chain walks the audit chain and exits 2 when it does not verify.
func main() {
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	chain := audit.NewChain(store.NewGormStore(db), config.GetLogger())
	report, err := chain.Verify(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "verify failed: %v\n", err)
		os.Exit(1)
	}
	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(out))
	if !report.Valid {
		os.Exit(2)
	}
}
