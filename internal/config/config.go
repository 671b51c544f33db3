// Package config loads the gateway's model descriptors, category bindings,
// and router configuration from a YAML file. Configuration is read once at
// startup and is thereafter treated as read-only.
package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Kind identifies which backend family a ModelDescriptor targets.
type Kind string

const (
	KindLocalText   Kind = "local_text"
	KindLocalSpeech Kind = "local_speech"
	KindRemoteHTTP  Kind = "remote_http"
)

// Performance bundles the llama.cpp-family spawn knobs that affect
// throughput rather than correctness.
type Performance struct {
	FlashAttention  bool   `yaml:"flash_attention"`
	BatchSize       int    `yaml:"batch_size"`
	MicroBatchSize  int    `yaml:"micro_batch_size"`
	Threads         int    `yaml:"threads"`
	ParallelSlots   int    `yaml:"parallel_slots"`
	ContinuousBatch bool   `yaml:"continuous_batching"`
	CacheTypeK      string `yaml:"cache_type_k"`
	CacheTypeV      string `yaml:"cache_type_v"`
}

// ModelDescriptor is an immutable configuration entry for one backend.
type ModelDescriptor struct {
	ID   string `yaml:"id"`
	Kind Kind   `yaml:"kind"`
	Port int    `yaml:"port"`

	// local_text
	Repo        string       `yaml:"repo"`
	File        string       `yaml:"file"`
	MMProj      string       `yaml:"mmproj"`
	Context     int          `yaml:"context"`
	MaxTokens   int          `yaml:"max_tokens"`
	TimeoutSec  int          `yaml:"timeout_sec"`
	Temperature float64      `yaml:"temperature"`
	TopP        float64      `yaml:"top_p"`
	Performance *Performance `yaml:"performance"`

	// local_speech
	Language string `yaml:"language"`
	Threads  int    `yaml:"threads"`

	// remote_http
	Endpoint     string            `yaml:"endpoint"`
	APIKey       string            `yaml:"api_key"`
	UpstreamName string            `yaml:"model"`
	Headers      map[string]string `yaml:"headers"`

	// common
	SystemPrompt     string `yaml:"system_prompt"`
	SystemPromptPath string `yaml:"system_prompt_path"`
}

// ResolvedSystemPrompt returns the descriptor's system prompt: the contents
// of SystemPromptPath if it is set, else SystemPrompt.
func (d *ModelDescriptor) ResolvedSystemPrompt() (string, error) {
	return resolvePrompt(d.SystemPrompt, d.SystemPromptPath)
}

// CategoryBinding maps a classifier category to a target model and an
// optional category-level system prompt override.
type CategoryBinding struct {
	ModelID          string `yaml:"model_id"`
	SystemPrompt     string `yaml:"system_prompt"`
	SystemPromptPath string `yaml:"system_prompt_path"`
}

// ResolvedSystemPrompt returns the category's system prompt, if any.
func (c *CategoryBinding) ResolvedSystemPrompt() (string, error) {
	return resolvePrompt(c.SystemPrompt, c.SystemPromptPath)
}

// UnmarshalYAML accepts either a bare string (model id) or a mapping
// ({model_id, system_prompt?, system_prompt_path?}) per the data model.
func (c *CategoryBinding) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		c.ModelID = value.Value
		return nil
	}
	type alias CategoryBinding
	var a alias
	if err := value.Decode(&a); err != nil {
		return err
	}
	*c = CategoryBinding(a)
	return nil
}

// RouterConfig configures the permanently-resident classifier backend.
type RouterConfig struct {
	ModelID          string `yaml:"model_id"`
	Port             int    `yaml:"port"`
	Context          int    `yaml:"context"`
	SystemPrompt     string `yaml:"system_prompt"`
	SystemPromptPath string `yaml:"system_prompt_path"`
}

// ResolvedSystemPrompt reads the router's {CATEGORIES}-templated prompt body.
func (r *RouterConfig) ResolvedSystemPrompt() (string, error) {
	return resolvePrompt(r.SystemPrompt, r.SystemPromptPath)
}

// Policy holds the process-wide scalar flags described in the design notes.
type Policy struct {
	IgnoreRoleSystem bool `yaml:"ignore_role_system"`
	LogRequests      bool `yaml:"log_requests"`
}

// Config is the top-level, read-only startup configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	TextServerPath   string `yaml:"text_server_path"`
	SpeechServerPath string `yaml:"speech_server_path"`

	GPUEnabled bool `yaml:"gpu_enabled"`
	GPUDevice  int  `yaml:"gpu_device"`

	Models       []ModelDescriptor          `yaml:"models"`
	LegacyModels []ModelDescriptor          `yaml:"llama-models"`
	Categories   map[string]CategoryBinding `yaml:"categories"`
	Router       RouterConfig               `yaml:"router"`
	Policy       Policy                     `yaml:"policy"`

	configPath string `yaml:"-"`
}

// ConfigPath returns the path this Config was loaded from.
func (c *Config) ConfigPath() string { return c.configPath }

// ClassifierAlias is the virtual model name that triggers classification
// instead of direct backend selection.
const ClassifierAlias = "lols-smart"

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

func resolvePrompt(inline, path string) (string, error) {
	if path != "" {
		data, err := os.ReadFile(expandHome(path))
		if err != nil {
			return "", errors.Wrapf(err, "reading system prompt file %q", path)
		}
		return string(data), nil
	}
	return inline, nil
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config")
	}

	cfg := &Config{
		ListenAddr: ":8000",
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config")
	}

	// Accept both "models" and "llama-models" as the descriptor list;
	// "models" wins when both are present.
	if len(cfg.Models) == 0 && len(cfg.LegacyModels) > 0 {
		cfg.Models = cfg.LegacyModels
	}

	if cfg.TextServerPath == "" {
		return nil, errors.New("text_server_path is required")
	}

	cfg.TextServerPath = expandHome(cfg.TextServerPath)
	cfg.SpeechServerPath = expandHome(cfg.SpeechServerPath)

	seenPorts := make(map[int]string)
	for i := range cfg.Models {
		m := &cfg.Models[i]
		if m.ID == "" {
			return nil, errors.Errorf("model[%d]: id is required", i)
		}
		switch m.Kind {
		case KindLocalText:
			if m.File == "" {
				return nil, errors.Errorf("model %q: file is required for local_text", m.ID)
			}
			m.File = expandHome(m.File)
			m.MMProj = expandHome(m.MMProj)
			if m.MaxTokens == 0 {
				m.MaxTokens = 2000
			}
			if m.TimeoutSec == 0 {
				m.TimeoutSec = 30
			}
		case KindLocalSpeech:
			if m.File == "" {
				return nil, errors.Errorf("model %q: file is required for local_speech", m.ID)
			}
			m.File = expandHome(m.File)
			if m.Language == "" {
				m.Language = "auto"
			}
			if m.Threads == 0 {
				m.Threads = 4
			}
		case KindRemoteHTTP:
			if m.Endpoint == "" {
				return nil, errors.Errorf("model %q: endpoint is required for remote_http", m.ID)
			}
		default:
			return nil, errors.Errorf("model %q: unknown kind %q", m.ID, m.Kind)
		}

		if m.Kind != KindRemoteHTTP {
			if m.Port == 0 {
				return nil, errors.Errorf("model %q: port is required for local kinds", m.ID)
			}
			if other, ok := seenPorts[m.Port]; ok {
				return nil, errors.Errorf("model %q: port %d already used by %q", m.ID, m.Port, other)
			}
			seenPorts[m.Port] = m.ID
		}
	}

	if len(cfg.Models) == 0 {
		return nil, errors.New("at least one model must be configured")
	}

	if cfg.Router.ModelID != "" {
		if cfg.Router.Port == 0 {
			return nil, errors.New("router.port is required when router.model_id is set")
		}
		if other, ok := seenPorts[cfg.Router.Port]; ok {
			return nil, errors.Errorf("router: port %d already used by %q", cfg.Router.Port, other)
		}
	}

	cfg.configPath = path
	return cfg, nil
}

// FindModel looks up a descriptor by id.
func (c *Config) FindModel(id string) (*ModelDescriptor, bool) {
	for i := range c.Models {
		if c.Models[i].ID == id {
			return &c.Models[i], true
		}
	}
	return nil, false
}

// DefaultSpeechModel returns the first configured local_speech descriptor.
func (c *Config) DefaultSpeechModel() (*ModelDescriptor, bool) {
	for i := range c.Models {
		if c.Models[i].Kind == KindLocalSpeech {
			return &c.Models[i], true
		}
	}
	return nil, false
}

// CategoryKeys returns the configured category keys in stable order, for
// {CATEGORIES} template expansion.
func (c *Config) CategoryKeys() []string {
	keys := make([]string, 0, len(c.Categories))
	for k := range c.Categories {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LocalPorts returns every configured local port, including the router's.
func (c *Config) LocalPorts() []int {
	ports := make([]int, 0, len(c.Models)+1)
	for _, m := range c.Models {
		if m.Kind != KindRemoteHTTP {
			ports = append(ports, m.Port)
		}
	}
	if c.Router.Port != 0 {
		ports = append(ports, c.Router.Port)
	}
	return ports
}
