package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/triage-ai/proximity/internal/config"
	"github.com/triage-ai/proximity/internal/evidence"
	"go.uber.org/zap"
)

func TestBuild_LocalMode(t *testing.T) {
	cfg := config.Default()
	rt, err := Build(context.Background(), &cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer rt.Close()

	if rt.Durable || rt.Reader != nil {
		t.Errorf("local mode should use the in-memory store and no reader: %+v", rt)
	}
	stats := rt.Service.Ingest(context.Background(), []evidence.RawItem{{
		Title: "Model scores 60% on GPQA Diamond",
		URL:   "https://example.org/gpqa",
	}})
	if stats.Inserted != 1 {
		t.Errorf("ingest stats = %+v", stats)
	}
}

func TestBuild_CustomCatalogPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signposts.yaml")
	body := `signposts:
  - code: only_one
    name: Only signpost
    category: capabilities
    direction: ">="
    baseline: 0
    target: 100
    unit: "%"
    first_class: true
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.Catalog.SignpostsPath = path

	rt, err := Build(context.Background(), &cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer rt.Close()
	if codes := rt.Catalog.Codes(); len(codes) != 1 || codes[0] != "only_one" {
		t.Errorf("catalog codes = %v", codes)
	}
}

func TestBuild_UnknownDefaultPreset(t *testing.T) {
	cfg := config.Default()
	cfg.Aggregation.DefaultPreset = "missing"
	if _, err := Build(context.Background(), &cfg, zap.NewNop()); err == nil {
		t.Fatal("expected error for unknown default preset")
	}
}

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus"} {
		logger, err := NewLogger(level)
		if err != nil {
			t.Fatalf("NewLogger(%q): %v", level, err)
		}
		_ = logger.Sync()
	}
}
