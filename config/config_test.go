package config

import (
	"os"
	"testing"
	"time"
)

// writeTempConfig creates a minimal configuration file required for LoadConfig
// and returns its path.
func writeTempConfig(t *testing.T) string {
	t.Helper()
	content := `traderflow:
  name: "TestApp"
  version: "1.0"
channels:
  raw_buffer: 1
  partition_buffer: 1
  stats_buffer: 1
  feature_buffer: 1
reader:
  source: local
  local_dir: ./snapshot
  max_workers: 1
engine:
  max_workers: 1
writer:
  flush_interval: 1s
  batch:
    size: 1
storage:
  s3:
    enabled: false
  postgres:
    enabled: false
taxonomy:
  path: taxonomy.yml
`
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Traderflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Traderflow.Name)
	}
	if cfg.Reader.MaxWorkers != 1 {
		t.Errorf("unexpected max workers: %d", cfg.Reader.MaxWorkers)
	}
	if cfg.Engine.Resolution.Policy != ResolutionPolicyStrict {
		t.Errorf("expected strict default resolution policy, got %s", cfg.Engine.Resolution.Policy)
	}
	if cfg.Engine.NeutralWinRate != 0.5 {
		t.Errorf("expected neutral win rate default 0.5, got %v", cfg.Engine.NeutralWinRate)
	}
	if cfg.Engine.Confidence.Low != 10 || cfg.Engine.Confidence.Medium != 30 || cfg.Engine.Confidence.High != 100 {
		t.Errorf("unexpected confidence defaults: %+v", cfg.Engine.Confidence)
	}
}

func TestLoadConfigRejectsUnknownPolicy(t *testing.T) {
	content := `traderflow:
  name: "TestApp"
  version: "1.0"
channels:
  raw_buffer: 1
  partition_buffer: 1
reader:
  source: local
  local_dir: ./snapshot
  max_workers: 1
engine:
  max_workers: 1
  resolution:
    policy: optimistic
writer:
  flush_interval: 1s
  batch:
    size: 1
taxonomy:
  path: taxonomy.yml
`
	f, err := os.CreateTemp("", "cfg-bad-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}

	if _, err := LoadConfig(f.Name()); err == nil {
		t.Fatalf("expected error for unknown resolution policy")
	}
}

func TestLoadTaxonomy(t *testing.T) {
	content := `version: "2026-01-01"
default_niche: other
niches:
  - category: nfl
    tags: [nfl, superbowl]
default_bet_structure: binary
bet_structures:
  - category: binary
    tags: [yes-no]
default_price_bracket: heavy_favorite
price_brackets:
  - label: longshot
    max: 0.2
  - label: tossup
    max: 0.6
  - label: heavy_favorite
    max: 1.0
`
	f, err := os.CreateTemp("", "tax-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}

	tax, err := LoadTaxonomy(f.Name())
	if err != nil {
		t.Fatalf("LoadTaxonomy failed: %v", err)
	}
	if got := tax.Niche("Superbowl"); got != "nfl" {
		t.Errorf("Niche(Superbowl) = %s, want nfl", got)
	}
	if got := tax.Niche("unheard-of"); got != "other" {
		t.Errorf("Niche(unheard-of) = %s, want other", got)
	}
	if got := tax.BetStructure("yes-no"); got != "binary" {
		t.Errorf("BetStructure(yes-no) = %s, want binary", got)
	}
	cases := []struct {
		price float64
		want  string
	}{
		{0.05, "longshot"},
		{0.2, "longshot"},
		{0.5, "tossup"},
		{0.95, "heavy_favorite"},
	}
	for _, c := range cases {
		if got := tax.PriceBracketLabel(c.price); got != c.want {
			t.Errorf("PriceBracketLabel(%v) = %s, want %s", c.price, got, c.want)
		}
	}
}

func TestResolutionGracePeriodValidation(t *testing.T) {
	cfg := &Config{
		Traderflow: TraderflowConfig{Name: "x", Version: "1"},
		Channels:   ChannelsConfig{RawBuffer: 1, PartitionBuffer: 1},
		Reader:     ReaderConfig{Source: "local", LocalDir: ".", MaxWorkers: 1},
		Dedup:      DedupConfig{MaxRejectionRate: 0.05},
		Engine: EngineConfig{
			MaxWorkers: 1,
			Resolution: ResolutionConfig{Policy: ResolutionPolicyGrace},
			Confidence: ConfidenceConfig{Low: 10, Medium: 30, High: 100},
		},
		Writer:   WriterConfig{FlushInterval: time.Second, Batch: BatchConfig{Size: 1}},
		Taxonomy: TaxonomyRefConfig{Path: "taxonomy.yml"},
	}
	if err := validateConfig(cfg); err == nil {
		t.Fatalf("expected error for grace policy without grace period")
	}
	cfg.Engine.Resolution.GracePeriod = 7 * 24 * time.Hour
	if err := validateConfig(cfg); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}
