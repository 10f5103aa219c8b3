package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validYAML = `
logging:
  level: info
  console: true
storage:
  driver: memory
dispatcher:
  tick_every: 1m
pools:
  - id: gen
    capacity_daily: 100
    capacity_monthly: 2000
    rollover_ceiling: 150
personas:
  - id: aiko
    display_name: Aiko
tiers:
  - index: 0
    label: teaser
    channels: [telegram]
    backend: recorder
    pool: gen
    cost: 10
  - index: 1
    label: casual
    milestone: 1000
    min_dwell_days: 7
    channels: [telegram]
    backend: recorder
    pool: gen
    cost: 20
slots:
  - id: morning
    at: "09:00"
    channel: telegram
sequences:
  - id: onboarding
    trigger: subscriber.joined
    steps:
      - offset: 0h
        template: "hello {{.Subscriber.ID}}"
      - offset: 72h
        guard: subscriber_active
        template: "still there?"
        max_wait: 48h
`

func writeTemp(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadValidYAML(t *testing.T) {
	cfg, err := NewManager(writeTemp(t, "config.yaml", validYAML)).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Pools) != 1 || cfg.Pools[0].ID != "gen" {
		t.Fatalf("pools = %+v", cfg.Pools)
	}
	if len(cfg.Tiers) != 2 || cfg.Tiers[1].Milestone != 1000 {
		t.Fatalf("tiers = %+v", cfg.Tiers)
	}
	if cfg.Sequences[0].Steps[1].Guard != "subscriber_active" {
		t.Fatalf("sequence steps = %+v", cfg.Sequences[0].Steps)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	bad := strings.Replace(validYAML, "level: info", "level: info\n  colour: red", 1)
	_, err := NewManager(writeTemp(t, "config.yaml", bad)).Load()
	if err == nil || !strings.Contains(err.Error(), "colour") {
		t.Fatalf("err = %v, want unknown field rejection", err)
	}
}

func TestValidateCatchesCrossFieldErrors(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{
			name:    "tier names unknown pool",
			mutate:  func(c *Config) { c.Tiers[0].Pool = "nope" },
			wantSub: "unknown pool",
		},
		{
			name:    "milestones must increase",
			mutate:  func(c *Config) { c.Tiers[1].Milestone = 0 },
			wantSub: "milestone must increase",
		},
		{
			name:    "persona outside ladder",
			mutate:  func(c *Config) { c.Personas[0].Tiers = []int{5} },
			wantSub: "outside the ladder",
		},
		{
			name:    "bad slot time",
			mutate:  func(c *Config) { c.Slots[0].At = "25:00" },
			wantSub: "invalid hour",
		},
		{
			name:    "step offsets must not regress",
			mutate:  func(c *Config) { c.Sequences[0].Steps[1].Offset = "-1h" },
			wantSub: "negative duration",
		},
		{
			name:    "unknown guard",
			mutate:  func(c *Config) { c.Sequences[0].Steps[1].Guard = "vip_only" },
			wantSub: "unknown guard",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := NewManager(writeTemp(t, "config.yaml", validYAML)).Parse()
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			tc.mutate(cfg)
			err = cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.wantSub) {
				t.Fatalf("err = %v, want substring %q", err, tc.wantSub)
			}
		})
	}
}

func TestParseWeekday(t *testing.T) {
	if _, err := ParseWeekday("fri"); err != nil {
		t.Fatalf("fri: %v", err)
	}
	if _, err := ParseWeekday("someday"); err == nil {
		t.Fatal("someday accepted")
	}
}
