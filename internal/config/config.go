package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/trudger/trudger/internal/notify"
	"github.com/trudger/trudger/internal/task"
)

// Config is the immutable per-run configuration. Command and hook values are
// opaque shell strings; nothing here interprets them.
type Config struct {
	AgentCommand       string     `yaml:"agent_command"`
	AgentReviewCommand string     `yaml:"agent_review_command"`
	Commands           Commands   `yaml:"commands"`
	Hooks              Hooks      `yaml:"hooks"`
	ReviewLoopLimit    uint64     `yaml:"review_loop_limit"`
	LogPath            string     `yaml:"log_path"`
	LogStream          *LogStream `yaml:"log_stream"`
}

type Commands struct {
	NextTask         string `yaml:"next_task"`
	TaskShow         string `yaml:"task_show"`
	TaskStatus       string `yaml:"task_status"`
	TaskUpdateStatus string `yaml:"task_update_status"`
}

type Hooks struct {
	OnCompleted         string `yaml:"on_completed"`
	OnRequiresHuman     string `yaml:"on_requires_human"`
	OnDoctorSetup       string `yaml:"on_doctor_setup"`
	OnNotification      string `yaml:"on_notification"`
	OnNotificationScope string `yaml:"on_notification_scope"`
}

// LogStream mirrors transition-log events onto a message bus.
type LogStream struct {
	Backend string `yaml:"backend"`
	Address string `yaml:"address"`
	Subject string `yaml:"subject"`
}

const DefaultStreamSubject = "trudger.transitions"

// Loaded couples a parsed config with non-fatal warnings (unknown keys).
type Loaded struct {
	Config   Config
	Warnings []string
}

var allowedTopLevelKeys = []string{
	"agent_command",
	"agent_review_command",
	"commands",
	"hooks",
	"review_loop_limit",
	"log_path",
	"log_stream",
}

// Load reads and validates the YAML config at path. Unknown top-level keys
// are returned as warnings; every other validation problem is fatal.
func Load(path string) (*Loaded, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(content, &root); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("config %s must be a YAML mapping", path)
	}
	doc := root.Content[0]

	warnings := unknownTopLevelKeys(doc)
	if err := validateRequiredFields(doc); err != nil {
		return nil, err
	}

	var cfg Config
	if err := doc.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if _, err := task.NewReviewLoopLimit(cfg.ReviewLoopLimit); err != nil {
		return nil, err
	}
	if _, err := notify.ParseScope(cfg.Hooks.OnNotificationScope); err != nil {
		return nil, err
	}
	if cfg.LogStream != nil {
		if err := validateLogStream(cfg.LogStream); err != nil {
			return nil, err
		}
	}

	return &Loaded{Config: cfg, Warnings: warnings}, nil
}

// Scope resolves the notification scope, defaulting when unset. Load has
// already rejected invalid values.
func (c *Config) Scope() notify.Scope {
	scope, err := notify.ParseScope(c.Hooks.OnNotificationScope)
	if err != nil {
		return notify.ScopeRunBoundaries
	}
	return scope
}

func validateLogStream(stream *LogStream) error {
	switch stream.Backend {
	case "nats", "redis":
	default:
		return fmt.Errorf("log_stream.backend must be nats or redis, got %q", stream.Backend)
	}
	if strings.TrimSpace(stream.Address) == "" {
		return fmt.Errorf("log_stream.address must not be empty")
	}
	if strings.TrimSpace(stream.Subject) == "" {
		stream.Subject = DefaultStreamSubject
	}
	return nil
}

func unknownTopLevelKeys(mapping *yaml.Node) []string {
	var unknown []string
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		key := mapping.Content[i].Value
		allowed := false
		for _, known := range allowedTopLevelKeys {
			if key == known {
				allowed = true
				break
			}
		}
		if !allowed {
			unknown = append(unknown, key)
		}
	}
	return unknown
}

func validateRequiredFields(mapping *yaml.Node) error {
	if err := rejectDeprecatedKeys(mapping); err != nil {
		return err
	}
	if err := requireNonEmptyString(mapping, "agent_command", "agent_command"); err != nil {
		return err
	}
	if err := requireNonEmptyString(mapping, "agent_review_command", "agent_review_command"); err != nil {
		return err
	}
	if err := requireNonNull(mapping, "review_loop_limit", "review_loop_limit"); err != nil {
		return err
	}
	if err := validateOptionalString(mapping, "log_path", "log_path"); err != nil {
		return err
	}

	commands, err := requireMapping(mapping, "commands", "commands")
	if err != nil {
		return err
	}
	if err := requireNonEmptyString(commands, "task_show", "commands.task_show"); err != nil {
		return err
	}
	if err := requireNonEmptyString(commands, "task_status", "commands.task_status"); err != nil {
		return err
	}
	if err := requireNonEmptyString(commands, "task_update_status", "commands.task_update_status"); err != nil {
		return err
	}
	// next_task may be present-but-empty: whether an empty value is usable
	// depends on manual task ids, which only the run loop knows about.
	if err := validateOptionalString(commands, "next_task", "commands.next_task"); err != nil {
		return err
	}

	hooks, err := requireMapping(mapping, "hooks", "hooks")
	if err != nil {
		return err
	}
	if err := requireNonEmptyString(hooks, "on_completed", "hooks.on_completed"); err != nil {
		return err
	}
	if err := requireNonEmptyString(hooks, "on_requires_human", "hooks.on_requires_human"); err != nil {
		return err
	}
	if err := validateOptionalNonEmptyString(hooks, "on_doctor_setup", "hooks.on_doctor_setup"); err != nil {
		return err
	}
	if err := validateOptionalNonEmptyString(hooks, "on_notification", "hooks.on_notification"); err != nil {
		return err
	}
	return nil
}

func rejectDeprecatedKeys(mapping *yaml.Node) error {
	if lookup(mapping, "codex_command") != nil {
		return fmt.Errorf("Migration: codex_command is no longer supported; use agent_command and agent_review_command")
	}
	return nil
}

func lookup(mapping *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}

func isNull(node *yaml.Node) bool {
	return node.Kind == yaml.ScalarNode && node.Tag == "!!null"
}

func requireMapping(mapping *yaml.Node, key string, label string) (*yaml.Node, error) {
	node := lookup(mapping, key)
	switch {
	case node == nil:
		return nil, fmt.Errorf("missing required config value: %s", label)
	case isNull(node):
		return nil, fmt.Errorf("%s must not be null", label)
	case node.Kind != yaml.MappingNode:
		return nil, fmt.Errorf("%s must be a mapping", label)
	}
	return node, nil
}

func requireNonNull(mapping *yaml.Node, key string, label string) error {
	node := lookup(mapping, key)
	switch {
	case node == nil:
		return fmt.Errorf("missing required config value: %s", label)
	case isNull(node):
		return fmt.Errorf("%s must not be null", label)
	}
	return nil
}

func requireNonEmptyString(mapping *yaml.Node, key string, label string) error {
	node := lookup(mapping, key)
	switch {
	case node == nil:
		return fmt.Errorf("missing required config value: %s", label)
	case isNull(node):
		return fmt.Errorf("%s must not be null", label)
	case node.Kind != yaml.ScalarNode || node.Tag != "!!str":
		return fmt.Errorf("%s must be a string", label)
	case strings.TrimSpace(node.Value) == "":
		return fmt.Errorf("%s must not be empty", label)
	}
	return nil
}

// validateOptionalString allows the key to be absent or any string,
// including empty, but rejects null and non-string values.
func validateOptionalString(mapping *yaml.Node, key string, label string) error {
	node := lookup(mapping, key)
	if node == nil {
		return nil
	}
	if isNull(node) {
		return fmt.Errorf("%s must not be null", label)
	}
	if node.Kind != yaml.ScalarNode || node.Tag != "!!str" {
		return fmt.Errorf("%s must be a string", label)
	}
	return nil
}

// validateOptionalNonEmptyString allows the key to be absent, but a present
// value must be a non-empty string.
func validateOptionalNonEmptyString(mapping *yaml.Node, key string, label string) error {
	node := lookup(mapping, key)
	if node == nil {
		return nil
	}
	return requireNonEmptyString(mapping, key, label)
}
