package caresim

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/caresim-dev/caresim/internal/llm/provider"
	"github.com/caresim-dev/caresim/pkg/observability"
)

func init() {
	provider.RegisterFactory("fake", func(config map[string]any) (provider.Provider, error) {
		return provider.NewMockProvider("fake"), nil
	})
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	loader := NewConfigLoader(&OSFileReader{})

	_, err := loader.LoadConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("expected error for nonexistent config file, got nil")
	}
	if !strings.Contains(err.Error(), "failed to read config") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	invalidYAML := `
this is not valid YAML: [[[
provider:
  name: openai
`
	if err := os.WriteFile(configPath, []byte(invalidYAML), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := NewConfigLoader(&OSFileReader{}).LoadConfig(configPath)
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
	if !strings.Contains(err.Error(), "failed to parse config") {
		t.Errorf("error = %v, want error containing 'failed to parse config'", err)
	}
}

func TestLoadConfig_Fields(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  addr: ":9090"
  rate_rps: 5
  rate_burst: 10
provider:
  name: openai
  model: gpt-4o
  temperature: 0.7
scenarios:
  dir: ./scenarios
archive:
  store: redis
  redis_addr: localhost:6379
  retention_days: 30
voice:
  endpoint: wss://voice.example.com/ws
  agent_ids:
    oldFemale: agent-1
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	config, err := NewConfigLoader(&OSFileReader{}).LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if config.Server.Addr != ":9090" {
		t.Errorf("server.addr = %s", config.Server.Addr)
	}
	if config.Provider.Name != "openai" || config.Provider.Model != "gpt-4o" {
		t.Errorf("provider = %+v", config.Provider)
	}
	if config.Scenarios.Dir != "./scenarios" {
		t.Errorf("scenarios.dir = %s", config.Scenarios.Dir)
	}
	if config.Archive.Store != "redis" || config.Archive.RetentionDays != 30 {
		t.Errorf("archive = %+v", config.Archive)
	}
	if config.Voice.AgentIDs["oldFemale"] != "agent-1" {
		t.Errorf("voice.agent_ids = %v", config.Voice.AgentIDs)
	}
}

func TestNewApp(t *testing.T) {
	tmpDir := t.TempDir()
	scenarioDir := filepath.Join(tmpDir, "scenarios")
	if err := os.Mkdir(scenarioDir, 0755); err != nil {
		t.Fatal(err)
	}
	scenarioYAML := `id: hypertension-followup
title: Hypertension follow-up
persona_prompt: "You are Mrs. Chan."
starting_message: "Hello doctor."
`
	if err := os.WriteFile(filepath.Join(scenarioDir, "s.yaml"), []byte(scenarioYAML), 0644); err != nil {
		t.Fatal(err)
	}

	config := &Config{
		Provider:  ProviderConfig{Name: "fake"},
		Scenarios: ScenariosConfig{Dir: scenarioDir},
		Archive:   ArchiveConfig{Store: "file", BaseDir: filepath.Join(tmpDir, "archive")},
	}

	app, err := NewApp(config)
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	defer app.Close()

	if app.Catalog.Len() != 1 {
		t.Errorf("catalog length = %d, want 1", app.Catalog.Len())
	}
	if app.Provider.Name() != "fake" {
		t.Errorf("provider name = %s", app.Provider.Name())
	}
	if app.Server == nil {
		t.Error("server not assembled")
	}
	if app.Sweeper != nil {
		t.Error("sweeper started without retention configured")
	}

	health := observability.GetHealthChecker().Check(context.Background())
	for _, name := range []string{"ping", "archive", "provider"} {
		if _, ok := health.Checks[name]; !ok {
			t.Errorf("health check %q not registered", name)
		}
	}
	if health.Status != observability.HealthStatusHealthy {
		t.Errorf("health status = %s, want %s", health.Status, observability.HealthStatusHealthy)
	}
}

func TestNewApp_MissingScenariosDir(t *testing.T) {
	config := &Config{Provider: ProviderConfig{Name: "fake"}}

	_, err := NewApp(config)
	if err == nil || !strings.Contains(err.Error(), "scenarios.dir is required") {
		t.Errorf("NewApp() error = %v, want scenarios.dir error", err)
	}
}

func TestNewApp_UnknownProvider(t *testing.T) {
	config := &Config{
		Provider:  ProviderConfig{Name: "does-not-exist"},
		Scenarios: ScenariosConfig{Dir: "./scenarios"},
	}

	_, err := NewApp(config)
	if err == nil || !strings.Contains(err.Error(), "create provider") {
		t.Errorf("NewApp() error = %v, want provider error", err)
	}
}

func TestOpenArchiveStore_Unknown(t *testing.T) {
	_, err := openArchiveStore(ArchiveConfig{Store: "tape"})
	if err == nil || !strings.Contains(err.Error(), "unknown archive store") {
		t.Errorf("openArchiveStore() error = %v, want unknown store error", err)
	}
}
