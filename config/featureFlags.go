package config

import (
	"os"
	"strings"
)

func envBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// ArchiveCheckEnabled turns on the archive lookup of document links during compliance evaluation.
// When off, a present document link is trusted.
//
// Set via env:
// - ARCHIVE_CHECK_ENABLED=true (default true)
func ArchiveCheckEnabled() bool {
	return envBool("ARCHIVE_CHECK_ENABLED", true)
}

// LedgerEventsEnabled writes outbox events for ledger changes and runs the dispatcher.
//
// Set via env:
// - LEDGER_EVENTS_ENABLED=true
func LedgerEventsEnabled() bool {
	return envBool("LEDGER_EVENTS_ENABLED", false)
}
