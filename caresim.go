// Package caresim wires the virtual patient training simulator: a
// scenario catalog, an LLM-backed session engine with tool calls and
// voice mode, a rubric evaluator, and archival of completed sessions.
package caresim

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caresim-dev/caresim/internal/llm/provider"
	iobs "github.com/caresim-dev/caresim/internal/observability"
	"github.com/caresim-dev/caresim/internal/scenario"
	"github.com/caresim-dev/caresim/internal/server"
	"github.com/caresim-dev/caresim/internal/sim"
	"github.com/caresim-dev/caresim/pkg/archive"
	"github.com/caresim-dev/caresim/pkg/observability"
	"github.com/caresim-dev/caresim/pkg/security"
	"golang.org/x/sync/errgroup"
)

// Config represents the top-level configuration
type Config struct {
	Server    ServerConfig    `yaml:"server,omitempty"`
	Provider  ProviderConfig  `yaml:"provider"`
	Scenarios ScenariosConfig `yaml:"scenarios"`
	Archive   ArchiveConfig   `yaml:"archive,omitempty"`
	Voice     VoiceConfig     `yaml:"voice,omitempty"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	// Addr is the listen address. Default: ":8080".
	Addr string `yaml:"addr"`
	// RateRPS / RateBurst bound per-client request rates.
	RateRPS   float64 `yaml:"rate_rps"`
	RateBurst int     `yaml:"rate_burst"`
	// ObservabilityPort runs a separate health/metrics server when
	// non-zero; otherwise those endpoints ride on the API server.
	ObservabilityPort int `yaml:"observability_port"`
}

// ProviderConfig selects and tunes the LLM backend.
type ProviderConfig struct {
	// Name is the provider: "openai" or "gemini".
	Name string `yaml:"name"`
	// Model overrides the provider default.
	Model string `yaml:"model"`
	// Temperature for patient turns.
	Temperature float64 `yaml:"temperature"`
	// MaxTokens per assistant turn (0 = provider default).
	MaxTokens int `yaml:"max_tokens"`
	// Config holds provider-specific settings (api_key, base_url).
	Config map[string]any `yaml:"config,omitempty"`
}

// ScenariosConfig locates the scenario catalog.
type ScenariosConfig struct {
	// Dir is the directory of scenario YAML documents.
	Dir string `yaml:"dir"`
}

// ArchiveConfig configures completed-session persistence.
type ArchiveConfig struct {
	// Store specifies the backend: "file", "redis", or "firestore".
	// Default: "file".
	Store string `yaml:"store"`

	// BaseDir is the base directory for file storage.
	// Default: ~/.caresim/archive
	BaseDir string `yaml:"base_dir"`

	// Redis connection settings.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// Firestore connection settings.
	FirestoreProject     string `yaml:"firestore_project"`
	FirestoreCollection  string `yaml:"firestore_collection"`
	FirestoreCredentials string `yaml:"firestore_credentials"`

	// RetentionDays prunes records older than this many days when
	// positive. SweepSchedule is a cron expression for the prune job.
	RetentionDays int    `yaml:"retention_days"`
	SweepSchedule string `yaml:"sweep_schedule"`
}

// VoiceConfig configures the voice agent bridge.
type VoiceConfig struct {
	// Endpoint is the websocket URL of the voice service.
	Endpoint string `yaml:"endpoint"`
	// AgentIDs maps scenario voice profiles to agent ids.
	AgentIDs map[string]string `yaml:"agent_ids,omitempty"`
}

// FileReader interface for reading files (testable)
type FileReader interface {
	ReadFile(path string) ([]byte, error)
}

// OSFileReader implements FileReader using os.ReadFile
type OSFileReader struct{}

func (r *OSFileReader) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path) // #nosec G304 - path is from trusted config file input
}

// ConfigLoader loads configuration from a file
type ConfigLoader struct {
	fileReader FileReader
	yamlParser *security.SafeYAMLParser
}

// NewConfigLoader creates a new config loader with default security limits
func NewConfigLoader(fr FileReader) *ConfigLoader {
	return &ConfigLoader{
		fileReader: fr,
		yamlParser: security.NewSafeYAMLParser(security.DefaultYAMLLimits()),
	}
}

// NewConfigLoaderWithLimits creates a new config loader with custom YAML security limits
func NewConfigLoaderWithLimits(fr FileReader, limits security.YAMLLimits) *ConfigLoader {
	return &ConfigLoader{
		fileReader: fr,
		yamlParser: security.NewSafeYAMLParser(limits),
	}
}

// LoadConfig loads and parses a config file with security limits
func (cl *ConfigLoader) LoadConfig(configPath string) (*Config, error) {
	data, err := cl.fileReader.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := cl.yamlParser.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &config, nil
}

// Run starts the simulator from a config file and blocks until
// interrupted.
func Run(configPath string) error {
	loader := NewConfigLoader(&OSFileReader{})
	config, err := loader.LoadConfig(configPath)
	if err != nil {
		return err
	}
	return RunWithConfig(config)
}

// RunWithConfig starts the simulator with the provided config.
func RunWithConfig(config *Config) error {
	if err := iobs.InitFromEnv(); err != nil {
		log.Printf("Warning: Failed to initialize observability: %v", err)
	}
	observability.InitMetrics()

	app, err := NewApp(config)
	if err != nil {
		return err
	}
	defer app.Close()

	g, gctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		if err := app.Server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	var obsServer *observability.Server
	if config.Server.ObservabilityPort > 0 {
		obsServer = observability.NewServer(config.Server.ObservabilityPort)
		g.Go(func() error {
			if err := obsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-gctx.Done():
	case <-sigCh:
	}

	log.Println("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.Server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Warning: server shutdown: %v", err)
	}
	if obsServer != nil {
		if err := obsServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Warning: observability server shutdown: %v", err)
		}
	}
	if err := iobs.Shutdown(shutdownCtx); err != nil {
		log.Printf("Warning: Failed to shutdown observability: %v", err)
	}
	return g.Wait()
}

// App holds the assembled simulator components.
type App struct {
	Catalog  *scenario.Catalog
	Manager  *sim.Manager
	Provider provider.Provider
	Archive  archive.Store
	Server   *server.Server
	Sweeper  *archive.Sweeper
}

// NewApp assembles the simulator from config.
func NewApp(config *Config) (*App, error) {
	prov, err := provider.New(config.Provider.Name, config.Provider.Config)
	if err != nil {
		return nil, fmt.Errorf("create provider: %w", err)
	}

	if config.Scenarios.Dir == "" {
		return nil, fmt.Errorf("scenarios.dir is required")
	}
	catalog, err := scenario.NewLoader().LoadDir(config.Scenarios.Dir)
	if err != nil {
		return nil, fmt.Errorf("load scenarios: %w", err)
	}
	log.Printf("Loaded %d scenarios from %s", catalog.Len(), config.Scenarios.Dir)

	store, err := openArchiveStore(config.Archive)
	if err != nil {
		return nil, fmt.Errorf("open archive store: %w", err)
	}

	var sweeper *archive.Sweeper
	if config.Archive.RetentionDays > 0 {
		sweeper = archive.NewSweeper(store, archive.SweeperConfig{
			Retention: time.Duration(config.Archive.RetentionDays) * 24 * time.Hour,
			Schedule:  config.Archive.SweepSchedule,
		})
		if err := sweeper.Start(); err != nil {
			return nil, fmt.Errorf("start archive sweeper: %w", err)
		}
	}

	checker := observability.InitHealthChecker()
	checker.RegisterCheck(observability.PingCheck())
	checker.RegisterCheck(observability.ArchiveCheck(store.Ping))
	providerName := config.Provider.Name
	checker.RegisterCheck(observability.ProviderCheck("provider", func(ctx context.Context) error {
		for _, name := range provider.Names() {
			if name == providerName {
				return nil
			}
		}
		return fmt.Errorf("provider %q not registered", providerName)
	}))

	agentIDs := make(map[scenario.VoiceProfile]string, len(config.Voice.AgentIDs))
	for profile, id := range config.Voice.AgentIDs {
		agentIDs[scenario.VoiceProfile(profile)] = id
	}

	manager := sim.NewManager()
	factory := func(sc *scenario.Scenario, userID string) sim.Config {
		return sim.Config{
			Provider:      prov,
			Model:         config.Provider.Model,
			Temperature:   config.Provider.Temperature,
			MaxTokens:     config.Provider.MaxTokens,
			Scenario:      sc,
			UserID:        userID,
			Archive:       store,
			VoiceEndpoint: config.Voice.Endpoint,
			VoiceAgentIDs: agentIDs,
		}
	}

	srv := server.New(server.Config{
		Addr:      config.Server.Addr,
		RateRPS:   config.Server.RateRPS,
		RateBurst: config.Server.RateBurst,
	}, manager, catalog, factory)

	return &App{
		Catalog:  catalog,
		Manager:  manager,
		Provider: prov,
		Archive:  store,
		Server:   srv,
		Sweeper:  sweeper,
	}, nil
}

// Close releases the app's resources.
func (a *App) Close() {
	if a.Sweeper != nil {
		a.Sweeper.Stop()
	}
	if a.Archive != nil {
		if err := a.Archive.Close(); err != nil {
			log.Printf("Warning: archive close: %v", err)
		}
	}
}

func openArchiveStore(cfg ArchiveConfig) (archive.Store, error) {
	switch cfg.Store {
	case "", "file":
		return archive.NewFileStore(cfg.BaseDir)
	case "redis":
		return archive.NewRedisStore(archive.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	case "firestore":
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return archive.NewFirestoreStore(ctx, archive.FirestoreConfig{
			ProjectID:       cfg.FirestoreProject,
			Collection:      cfg.FirestoreCollection,
			CredentialsFile: cfg.FirestoreCredentials,
		})
	default:
		return nil, fmt.Errorf("unknown archive store: %s", cfg.Store)
	}
}
