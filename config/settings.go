package config

import (
	"os"
	"strings"
	"time"
)

type Settings struct {
	Port              string
	SettlementAccount string
	MatchWindowDays   int
	MatchLimit        int
	ArchiveProvider   string
	ArchiveRoot       string
	GCSBucket         string
	VatCacheTTL       time.Duration
	PubSubTopic       string
}

// LoadSettings reads the service settings from env, falling back to defaults.
func LoadSettings() Settings {
	return Settings{
		Port:              stringFromEnv("PORT", "8080"),
		SettlementAccount: stringFromEnv("SETTLEMENT_ACCOUNT", "1930"),
		MatchWindowDays:   intFromEnv("MATCH_WINDOW_DAYS", 7),
		MatchLimit:        intFromEnv("MATCH_LIMIT", 5),
		ArchiveProvider:   strings.ToLower(stringFromEnv("ARCHIVE_PROVIDER", "local")),
		ArchiveRoot:       stringFromEnv("ARCHIVE_ROOT", "./archive"),
		GCSBucket:         os.Getenv("GCS_BUCKET"),
		VatCacheTTL:       time.Duration(intFromEnv("VAT_CACHE_TTL_SECONDS", 3600)) * time.Second,
		PubSubTopic:       stringFromEnv("PUBSUB_TOPIC", "ledger-events"),
	}
}

func stringFromEnv(key string, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}
