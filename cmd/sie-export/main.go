package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mmdatafocus/bookkeeping_core/config"
	"github.com/mmdatafocus/bookkeeping_core/sie"
	"github.com/mmdatafocus/bookkeeping_core/store"
)

func main() {
	businessID := flag.String("business-id", "", "Required: business id")
	year := flag.Int("year", 0, "Required: calendar year")
	output := flag.String("out", "", "Output file (default stdout)")
	flag.Parse()

	if strings.TrimSpace(*businessID) == "" || *year == 0 {
		fmt.Fprintln(os.Stderr, "--business-id and --year are required")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	var w io.Writer = os.Stdout
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			fmt.Fprintf(os.Stderr, "create %s: %v\n", *output, err)
			os.Exit(1)
		}
		defer f.Close()
		w = f
	}

	// export only reads, so no ledger is wired
	svc := sie.NewService(store.NewGormStore(db), nil, config.GetLogger())
	n, err := svc.ExportYear(context.Background(), w, *businessID, *year)
	if err != nil {
		fmt.Fprintf(os.Stderr, "export failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "exported %d verifications\n", n)
}
