package tracklight

import (
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/tracklight-app/tracklight/classify"
)

// Config holds the tracker's runtime knobs. Loaded from TRACKLIGHT_* env
// vars; every field has a sane default so a zero-config start works.
type Config struct {
	// PollInterval is how often the change feed is fetched. The tracker is
	// not real-time by design; tens of seconds is the intended cadence.
	PollInterval time.Duration `split_words:"true" default:"30s"`
	// MinSessionDuration is the discard threshold: closed sessions shorter
	// than this are treated as accidental opens and dropped.
	MinSessionDuration time.Duration `split_words:"true" default:"30s"`
	// IdleTimeout closes a session left open with no successor.
	IdleTimeout time.Duration `split_words:"true" default:"30m"`
	// DatabasePath is the SQLite file backing the durable store.
	DatabasePath string `split_words:"true" default:"tracklight.db"`
	// MetadataCacheTTL bounds the subject/sender cache.
	MetadataCacheTTL time.Duration `split_words:"true" default:"1h"`
	// RulesPath points at the YAML classification tables. Empty means no
	// tables: everything classifies as Unclassified.
	RulesPath string `split_words:"true"`
	// EnablePrometheus registers poll/notification metrics globally.
	EnablePrometheus bool `split_words:"true" default:"false"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	err := envconfig.Process("tracklight", &cfg)
	return cfg, err
}

// LoadTables reads the classification tables from a YAML file. An empty path
// returns empty tables, which is valid config.
func LoadTables(path string) (classify.Tables, error) {
	var tables classify.Tables
	if path == "" {
		return tables, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return tables, err
	}
	err = yaml.Unmarshal(b, &tables)
	return tables, err
}
