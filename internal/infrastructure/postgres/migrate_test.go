package postgres

import (
	"strings"
	"testing"
)

func TestLoadMigrations(t *testing.T) {
	migrations, err := LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error = %v", err)
	}
	if len(migrations) == 0 {
		t.Fatal("no embedded migrations")
	}

	for i, m := range migrations {
		if i > 0 && m.Version <= migrations[i-1].Version {
			t.Errorf("migration %s out of order", m.Name)
		}
		if strings.TrimSpace(m.SQL) == "" {
			t.Errorf("migration %s is empty", m.Name)
		}
	}

	core := migrations[0].SQL
	for _, table := range []string{"compositions", "medications", "interaction_rules", "prescription_events", "outbox", "inbox"} {
		if !strings.Contains(core, "CREATE TABLE IF NOT EXISTS "+table+" ") {
			t.Errorf("core migration does not create %s", table)
		}
	}
}

func TestDefaultOutboxConfig(t *testing.T) {
	cfg := DefaultOutboxConfig()
	if cfg.BatchSize <= 0 || cfg.PollInterval <= 0 || cfg.MaxRetries <= 0 {
		t.Errorf("DefaultOutboxConfig() = %+v, want positive values", cfg)
	}
}
