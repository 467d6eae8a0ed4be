package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppEnv        string `env:"APP_ENV" envDefault:"dev"`
	APIAddr       string `env:"API_ADDR" envDefault:":8080"`
	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	RedisAddr     string `env:"REDIS_ADDR,notEmpty"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	SigningKey    string `env:"SIGNING_KEY,notEmpty"`

	Workers        int           `env:"WORKERS" envDefault:"10"`
	AdmitPerMinute int           `env:"ADMIT_PER_MINUTE" envDefault:"100"`
	MaxRetries     int           `env:"MAX_RETRIES" envDefault:"3"`
	Tick           time.Duration `env:"SCHED_TICK" envDefault:"1s"`
	ExecuteTimeout time.Duration `env:"EXECUTE_TIMEOUT" envDefault:"10m"`

	DefaultRegion string   `env:"DEFAULT_REGION" envDefault:"EU"`
	Regions       []string `env:"REGIONS" envDefault:"EU,US,UK" envSeparator:","`
	DSRSources    []string `env:"DSR_SOURCES" envSeparator:","`

	GracePeriod     time.Duration `env:"GRACE_PERIOD" envDefault:"720h"`
	ExportTTL       time.Duration `env:"EXPORT_TTL" envDefault:"720h"`
	Retention       time.Duration `env:"RETENTION" envDefault:"720h"`
	StaleClaimAfter time.Duration `env:"STALE_CLAIM_AFTER" envDefault:"15m"`

	ExportSlaHours  int `env:"EXPORT_SLA_HOURS" envDefault:"720"`
	DeleteSlaHours  int `env:"DELETE_SLA_HOURS" envDefault:"720"`
	StatusSlaHours  int `env:"STATUS_SLA_HOURS" envDefault:"72"`
	ConsentSlaHours int `env:"CONSENT_SLA_HOURS" envDefault:"72"`

	RegionConfigs map[string]Region `env:"-"`
}

// Region holds the per-region executor settings. Built once at startup,
// immutable afterwards.
type Region struct {
	Name            string
	DSN             string
	StorageEndpoint string
	KeyID           string
	Enabled         bool
}

func Load() Config {
	var c Config
	if err := env.Parse(&c); err != nil {
		log.Fatal(err)
	}
	c.Regions = normalizeRegions(c.Regions)
	c.RegionConfigs = loadRegions(c.Regions)
	return c
}

func normalizeRegions(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.ToUpper(strings.TrimSpace(n))
		if n != "" {
			out = append(out, n)
		}
	}
	return out
}

// loadRegions reads REGION_<NAME>_DSN, _STORAGE, _KEY_ID and _ENABLED for
// each configured region. DSNs carry '=' and ':' so they cannot ride the
// map syntax of env tags.
func loadRegions(names []string) map[string]Region {
	out := make(map[string]Region, len(names))
	for _, n := range names {
		out[n] = Region{
			Name:            n,
			DSN:             os.Getenv("REGION_" + n + "_DSN"),
			StorageEndpoint: os.Getenv("REGION_" + n + "_STORAGE"),
			KeyID:           os.Getenv("REGION_" + n + "_KEY_ID"),
			Enabled:         os.Getenv("REGION_"+n+"_ENABLED") != "false",
		}
	}
	return out
}
