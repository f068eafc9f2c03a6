package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mmdatafocus/bookkeeping_core/config"
	"github.com/mmdatafocus/bookkeeping_core/store"
	"github.com/mmdatafocus/bookkeeping_core/vat"
)

func main() {
	businessID := flag.String("business-id", "", "Required: business id")
	period := flag.String("period", "", "Required: month as YYYY-MM")
	format := flag.String("format", "csv", "csv or xlsx")
	output := flag.String("out", "", "Output file (default stdout)")
	flag.Parse()

	if strings.TrimSpace(*businessID) == "" || strings.TrimSpace(*period) == "" {
		fmt.Fprintln(os.Stderr, "--business-id and --period are required")
		os.Exit(1)
	}
	write := vat.WriteSKVFile
	switch strings.ToLower(*format) {
	case "csv":
	case "xlsx":
		write = vat.WriteWorkbook
	default:
		fmt.Fprintln(os.Stderr, "--format must be csv or xlsx")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	// uncached so the file reflects the ledger as it is now
	aggregator := vat.NewAggregator(store.NewGormStore(db), nil, 0, config.GetLogger())
	d, err := aggregator.Declare(context.Background(), *businessID, *period)
	if err != nil {
		fmt.Fprintf(os.Stderr, "declaration failed: %v\n", err)
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
	if err := write(w, d); err != nil {
		fmt.Fprintf(os.Stderr, "write failed: %v\n", err)
		os.Exit(1)
	}
}
