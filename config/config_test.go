package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseAppliesEnvSubstitution(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.json")
	body := `{
		"environ": {"HOST": "lan-party.example"},
		"identities": [1],
		"appTag": 480,
		"udpPort": 47584,
		"tcpPort": 47584,
		"customBroadcasts": [{"host": "${HOST}", "port": 27036}]
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Identities) != 1 || cfg.Identities[0] != 1 {
		t.Fatalf("Identities = %v, want [1]", cfg.Identities)
	}
	if len(cfg.CustomBroadcasts) != 1 || cfg.CustomBroadcasts[0].Host != "lan-party.example" {
		t.Fatalf("CustomBroadcasts = %+v, want substituted host", cfg.CustomBroadcasts)
	}
}

func TestParseMissingFile(t *testing.T) {
	if _, err := Parse("/nonexistent/path/node.json"); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
