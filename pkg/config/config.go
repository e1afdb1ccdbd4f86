package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/boristopalov/rtgym/pkg/budget"
	"github.com/boristopalov/rtgym/pkg/core"
	"github.com/boristopalov/rtgym/pkg/environment"
	"github.com/boristopalov/rtgym/pkg/extract"
	"github.com/boristopalov/rtgym/pkg/providers"
)

var (
	ErrMissingCredentials = providers.ErrMissingCredentials
	ErrInvalidAlphabet    = errors.New("invalid action alphabet")
	ErrUnknownStrategy    = errors.New("unknown strategy")
	ErrUnknownUnit        = errors.New("unknown budget unit")
	ErrUnknownBackend     = errors.New("unknown backend kind")
	ErrInvalidDelimiter   = errors.New("invalid answer delimiter")
	ErrInvalidReserve     = errors.New("reactive reserve outside [0, per_turn]")
	ErrInvalidBudget      = errors.New("invalid turn budget")
	ErrInvalidEpisode     = errors.New("invalid episode settings")
	ErrUnknownEnvironment = errors.New("unknown environment")
	ErrUnknownExporter    = errors.New("unknown trace exporter")
)

// BackendMock selects the scripted backend used by dry runs.
const BackendMock = "mock"

// Config is the run configuration loaded from YAML and RTGYM_ environment variables.
type Config struct {
	Log            LogConfig     `mapstructure:"log"`
	Backend        BackendConfig `mapstructure:"backend"`
	PlannerBackend BackendConfig `mapstructure:"planner_backend"`
	Budget         BudgetConfig  `mapstructure:"budget"`
	Agent          AgentConfig   `mapstructure:"agent"`
	Episode        EpisodeConfig `mapstructure:"episode"`
	Output         OutputConfig  `mapstructure:"output"`
	Metrics        MetricsConfig `mapstructure:"metrics"`
	Tracing        TracingConfig `mapstructure:"tracing"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // console or json
}

// BackendConfig selects an inference provider. ModelConfig may point to a
// separate YAML file whose fields override the inline ones.
type BackendConfig struct {
	Kind        string `mapstructure:"kind" yaml:"kind"` // openai, gemini, compatible, mock
	Model       string `mapstructure:"model" yaml:"model"`
	BaseURL     string `mapstructure:"base_url" yaml:"base_url"`
	APIKey      string `mapstructure:"api_key" yaml:"api_key"`
	MaxTokens   int    `mapstructure:"max_tokens" yaml:"max_tokens"`
	ModelConfig string `mapstructure:"model_config" yaml:"-"`
}

type BudgetConfig struct {
	Unit    string  `mapstructure:"unit"` // tokens or time
	PerTurn float64 `mapstructure:"per_turn"`
	// Policy overrides the backend's token accounting policy.
	Policy string `mapstructure:"policy"`
}

type AgentConfig struct {
	Strategy      string        `mapstructure:"strategy"` // reactive, planning, hybrid
	Stream        bool          `mapstructure:"stream"`
	Reserve       float64       `mapstructure:"reserve"`
	GracePeriod   time.Duration `mapstructure:"grace_period"`
	CallTimeout   time.Duration `mapstructure:"call_timeout"`
	IdleTimeout   time.Duration `mapstructure:"stream_idle_timeout"`
	Delimiter     string        `mapstructure:"delimiter"`
	PlanMaxTokens int           `mapstructure:"plan_max_tokens"`
	DigestChars   int           `mapstructure:"digest_chars"`
	HistorySize   int           `mapstructure:"history_size"`
	LogThinking   bool          `mapstructure:"log_thinking"`
}

type EpisodeConfig struct {
	Environment string `mapstructure:"environment"`
	MaxTurns    int    `mapstructure:"max_turns"`
	Episodes    int    `mapstructure:"episodes"`
	Parallel    int    `mapstructure:"parallel"`
	Seed        int64  `mapstructure:"seed"`
}

type OutputConfig struct {
	Dir string `mapstructure:"dir"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// TracingConfig selects where inference spans go.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Exporter string `mapstructure:"exporter"` // stdout or otlp
	Endpoint string `mapstructure:"endpoint"` // otlp receiver, host:port
	Insecure bool   `mapstructure:"insecure"`
}

// Load reads and validates the configuration. An empty path searches for
// config.yaml in the working directory and configs/.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read loads the configuration without validating it, so callers can apply
// flag overrides first.
func Read(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RTGYM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("configs")
	} else {
		v.SetConfigFile(path)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// defaults and environment are enough without a file
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	base := filepath.Dir(v.ConfigFileUsed())
	for _, b := range []*BackendConfig{&cfg.Backend, &cfg.PlannerBackend} {
		if err := b.applyModelConfig(base); err != nil {
			return nil, err
		}
		b.resolveCredentials()
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("backend.kind", providers.KindOpenAI)
	v.SetDefault("backend.model", "")
	v.SetDefault("backend.base_url", "")
	v.SetDefault("backend.api_key", "")
	v.SetDefault("backend.max_tokens", 0)
	v.SetDefault("backend.model_config", "")

	v.SetDefault("planner_backend.kind", "")
	v.SetDefault("planner_backend.model", "")
	v.SetDefault("planner_backend.base_url", "")
	v.SetDefault("planner_backend.api_key", "")
	v.SetDefault("planner_backend.max_tokens", 0)
	v.SetDefault("planner_backend.model_config", "")

	v.SetDefault("budget.unit", "tokens")
	v.SetDefault("budget.per_turn", 1024)
	v.SetDefault("budget.policy", "")

	v.SetDefault("agent.strategy", "reactive")
	v.SetDefault("agent.stream", true)
	v.SetDefault("agent.reserve", 0)
	v.SetDefault("agent.grace_period", "2s")
	v.SetDefault("agent.call_timeout", "0s")
	v.SetDefault("agent.stream_idle_timeout", "30s")
	v.SetDefault("agent.delimiter", extract.DefaultDelimiter)
	v.SetDefault("agent.plan_max_tokens", 0)
	v.SetDefault("agent.digest_chars", 2000)
	v.SetDefault("agent.history_size", 8)
	v.SetDefault("agent.log_thinking", true)

	v.SetDefault("episode.environment", "freeway")
	v.SetDefault("episode.max_turns", 100)
	v.SetDefault("episode.episodes", 1)
	v.SetDefault("episode.parallel", 1)
	v.SetDefault("episode.seed", 0)

	v.SetDefault("output.dir", "runs")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "stdout")
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.insecure", true)
}

// applyModelConfig merges the model file over the inline settings. Relative
// paths resolve against the config file's directory.
func (b *BackendConfig) applyModelConfig(base string) error {
	if b.ModelConfig == "" {
		return nil
	}
	path := b.ModelConfig
	if !filepath.IsAbs(path) && base != "" {
		path = filepath.Join(base, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read model config: %w", err)
	}
	var m BackendConfig
	if err := yaml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parse model config %s: %w", path, err)
	}
	if m.Kind != "" {
		b.Kind = m.Kind
	}
	if m.Model != "" {
		b.Model = m.Model
	}
	if m.BaseURL != "" {
		b.BaseURL = m.BaseURL
	}
	if m.APIKey != "" {
		b.APIKey = m.APIKey
	}
	if m.MaxTokens != 0 {
		b.MaxTokens = m.MaxTokens
	}
	return nil
}

func (b *BackendConfig) resolveCredentials() {
	if b.APIKey != "" {
		return
	}
	switch strings.ToLower(b.Kind) {
	case providers.KindOpenAI, providers.KindCompatible, "vllm", "ollama":
		b.APIKey = os.Getenv("OPENAI_API_KEY")
	case providers.KindGemini, "google":
		b.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	if b.BaseURL == "" && strings.EqualFold(b.Kind, providers.KindOpenAI) {
		b.BaseURL = os.Getenv("OPENAI_API_BASE_URL")
	}
}

// Planner returns the backend serving hybrid planning calls, which is the
// main backend unless planner_backend.kind is set.
func (c *Config) Planner() BackendConfig {
	if c.PlannerBackend.Kind == "" {
		return c.Backend
	}
	return c.PlannerBackend
}

// Mode parses agent.strategy.
func (c *Config) Mode() (core.Mode, error) {
	m, err := core.ParseMode(c.Agent.Strategy)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnknownStrategy, err)
	}
	return m, nil
}

// Unit parses budget.unit.
func (c *Config) Unit() (budget.Unit, error) {
	u, err := budget.ParseUnit(c.Budget.Unit)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnknownUnit, err)
	}
	return u, nil
}

// Validate reports the first configuration error. Every error wraps one of
// the package's sentinel errors.
func (c *Config) Validate() error {
	mode, err := c.Mode()
	if err != nil {
		return err
	}
	if _, err := c.Unit(); err != nil {
		return err
	}
	if c.Budget.PerTurn <= 0 {
		return fmt.Errorf("%w: budget.per_turn must be > 0, got %v", ErrInvalidBudget, c.Budget.PerTurn)
	}
	if c.Budget.Policy != "" {
		if _, err := budget.ParsePolicy(c.Budget.Policy); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidBudget, err)
		}
	}
	if c.Agent.Reserve < 0 || c.Agent.Reserve > c.Budget.PerTurn {
		return fmt.Errorf("%w: reserve %v, per_turn %v", ErrInvalidReserve, c.Agent.Reserve, c.Budget.PerTurn)
	}
	if _, err := extract.New(c.Agent.Delimiter); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDelimiter, err)
	}
	if c.Agent.GracePeriod < 0 || c.Agent.CallTimeout < 0 || c.Agent.IdleTimeout < 0 {
		return errors.New("agent.grace_period, agent.call_timeout and agent.stream_idle_timeout must be >= 0")
	}
	if c.Agent.DigestChars < 0 || c.Agent.HistorySize < 0 || c.Agent.PlanMaxTokens < 0 {
		return errors.New("agent.digest_chars, agent.history_size and agent.plan_max_tokens must be >= 0")
	}

	if c.Episode.MaxTurns <= 0 {
		return fmt.Errorf("%w: episode.max_turns must be > 0", ErrInvalidEpisode)
	}
	if c.Episode.Episodes <= 0 {
		return fmt.Errorf("%w: episode.episodes must be > 0", ErrInvalidEpisode)
	}
	if c.Episode.Parallel <= 0 {
		return fmt.Errorf("%w: episode.parallel must be > 0", ErrInvalidEpisode)
	}
	if strings.TrimSpace(c.Episode.Environment) == "" {
		return fmt.Errorf("%w: episode.environment must be set", ErrInvalidEpisode)
	}
	game, err := environment.New(c.Episode.Environment, c.Episode.Seed)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownEnvironment, err)
	}
	if err := ValidateGame(game.Alphabet(), game.DefaultAction()); err != nil {
		return fmt.Errorf("environment %s: %w", c.Episode.Environment, err)
	}
	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "stdout", "otlp":
		default:
			return fmt.Errorf("%w %q", ErrUnknownExporter, c.Tracing.Exporter)
		}
	}

	if err := c.Backend.validate("backend"); err != nil {
		return err
	}
	if mode == core.ModeHybrid && c.PlannerBackend.Kind != "" {
		if err := c.PlannerBackend.validate("planner_backend"); err != nil {
			return err
		}
	}
	return nil
}

func (b BackendConfig) validate(section string) error {
	if b.MaxTokens < 0 {
		return fmt.Errorf("%s.max_tokens must be >= 0", section)
	}
	switch strings.ToLower(b.Kind) {
	case BackendMock:
		return nil
	case providers.KindOpenAI:
		if b.APIKey == "" && b.BaseURL == "" {
			return fmt.Errorf("%s: %w: set api_key or OPENAI_API_KEY", section, ErrMissingCredentials)
		}
	case providers.KindGemini, "google":
		if b.APIKey == "" {
			return fmt.Errorf("%s: %w: set api_key or GEMINI_API_KEY", section, ErrMissingCredentials)
		}
	case providers.KindCompatible, "vllm", "ollama":
		if b.BaseURL == "" || b.Model == "" {
			return fmt.Errorf("%s: %w: compatible backends need base_url and model", section, ErrMissingCredentials)
		}
	default:
		return fmt.Errorf("%s: %w %q", section, ErrUnknownBackend, b.Kind)
	}
	return nil
}

// ValidateGame checks a game's action alphabet and default action.
func ValidateGame(alphabet core.Alphabet, def core.Action) error {
	if err := alphabet.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAlphabet, err)
	}
	if !alphabet.Contains(rune(def)) {
		return fmt.Errorf("%w: default action %q is not in %q", ErrInvalidAlphabet, def, alphabet)
	}
	return nil
}
