package config_test

import (
	"strings"
	"testing"

	"codeweft/internal/config"
)

func TestDefaultValidates(t *testing.T) {
	if err := config.Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestDefaultTemplateParses(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault()))
	if err != nil {
		t.Fatalf("default template invalid: %v", err)
	}
	if cfg.Run.Threshold != 50 || cfg.Run.Workers != 4 {
		t.Fatalf("unexpected defaults: %+v", cfg.Run)
	}
}

func TestHTTPModeRequiresEndpoint(t *testing.T) {
	_, err := config.FromYAML([]byte("oracle:\n  mode: http\n"))
	if err == nil || !strings.Contains(err.Error(), "endpoint") {
		t.Fatalf("want endpoint error, got %v", err)
	}
}

func TestThresholdBounds(t *testing.T) {
	_, err := config.FromYAML([]byte("run:\n  threshold: 120\n"))
	if err == nil || !strings.Contains(err.Error(), "threshold") {
		t.Fatalf("want threshold error, got %v", err)
	}
}

func TestUnknownOracleModeRejected(t *testing.T) {
	_, err := config.FromYAML([]byte("oracle:\n  mode: psychic\n"))
	if err == nil || !strings.Contains(err.Error(), "mode") {
		t.Fatalf("want mode error, got %v", err)
	}
}
