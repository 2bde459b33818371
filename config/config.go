package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"slices"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/adsabs/ADSDeploy/errors"
)

// Worker roles. Each role is one stage of the pipeline.
const (
	RoleGitHubDeploy = "github_deploy"
	RoleBeforeDeploy = "before_deploy"
	RoleDeploy       = "deploy"
	RoleRestart      = "restart"
	RoleTest         = "test"
	RoleAfterDeploy  = "after_deploy"
	RoleDBWriter     = "db_writer"
	RoleErrorLogger  = "error_logger"
)

// Probe kinds
const (
	ProbeCommand          = "command"
	ProbeElasticBeanstalk = "elasticbeanstalk"
)

// Topics used by the default wiring
const (
	TopicGitHubDeploy = "pipeline.github_deploy"
	TopicBeforeDeploy = "pipeline.before_deploy"
	TopicDeploy       = "pipeline.deploy"
	TopicRestart      = "pipeline.restart"
	TopicTest         = "pipeline.test"
	TopicAfterDeploy  = "pipeline.after_deploy"
	TopicStatus       = "pipeline.status"
	TopicError        = "pipeline.error"
)

// Config represents the complete rollout configuration
type Config struct {
	NATS     NATSConfig             `json:"nats"`
	Database DatabaseConfig         `json:"database"`
	Pipeline PipelineConfig         `json:"pipeline"`
	Probe    ProbeConfig            `json:"probe"`
	Metrics  MetricsConfig          `json:"metrics"`
	Workers  map[string]RouteConfig `json:"workers"`
}

// NATSConfig defines NATS connection settings and the pipeline stream
type NATSConfig struct {
	URLs          []string `json:"urls,omitempty"`
	MaxReconnects int      `json:"max_reconnects,omitempty"`
	ReconnectWait Duration `json:"reconnect_wait,omitempty"`
	Username      string   `json:"username,omitempty"`
	Password      string   `json:"password,omitempty"`
	Token         string   `json:"token,omitempty"`
	CredsFile     string   `json:"creds_file,omitempty"`
	Stream        string   `json:"stream,omitempty"`
	DurableStream bool     `json:"durable_stream"`
	MaxAge        Duration `json:"max_age,omitempty"` // how long undelivered pipeline messages are kept
}

// DatabaseConfig points at the deployments database
type DatabaseConfig struct {
	DSN         string `json:"dsn,omitempty"`
	Host        string `json:"host,omitempty"`
	Port        int    `json:"port,omitempty"`
	User        string `json:"user,omitempty"`
	Password    string `json:"password,omitempty"`
	Name        string `json:"name,omitempty"`
	SSLMode     string `json:"sslmode,omitempty"`
	AutoMigrate bool   `json:"auto_migrate"`
}

// ConnString returns DSN when set, otherwise a key/value string built from the
// individual fields.
func (d DatabaseConfig) ConnString() string {
	if d.DSN != "" {
		return d.DSN
	}
	parts := []string{
		"host=" + d.Host,
		fmt.Sprintf("port=%d", d.Port),
		"user=" + d.User,
		"dbname=" + d.Name,
		"sslmode=" + d.SSLMode,
	}
	if d.Password != "" {
		parts = append(parts, "password="+d.Password)
	}
	return strings.Join(parts, " ")
}

// PipelineConfig holds the timing and command settings shared by the stages
type PipelineConfig struct {
	MaxWaitTime        Duration       `json:"max_wait_time"`
	RetryDelay         Duration       `json:"retry_delay"`
	MaxExecTime        Duration       `json:"max_exec_time"`
	DeployHome         string         `json:"deploy_home"`
	RecipeCacheTTL     Duration       `json:"recipe_cache_ttl"` // 0 rescans deploy_home on every event
	Virtualenv         string         `json:"virtualenv,omitempty"`
	DefaultApplication string         `json:"default_application"`
	LastUsedBucket     string         `json:"last_used_bucket"`
	CleanupAfter       Duration       `json:"cleanup_after"`
	ReaperSchedule     string         `json:"reaper_schedule"`
	ReaperWorkers      int            `json:"reaper_workers"`
	TerminateRate      float64        `json:"reaper_terminate_rate"` // terminations per second, 0 is unlimited
	ReapEnvironments   []string       `json:"reap_environments"`
	Commands           CommandsConfig `json:"commands"`
}

// CommandsConfig holds the shell templates run by the executor. "{environment}"
// and "{application}" are substituted before execution.
type CommandsConfig struct {
	Deploy      string `json:"deploy"`
	RestartSoft string `json:"restart_soft"`
	RestartHard string `json:"restart_hard"`
	Test        string `json:"test"`
	FindEnv     string `json:"find_env"`
	Terminate   string `json:"terminate"`
}

// ProbeConfig selects how environment readiness is checked
type ProbeConfig struct {
	Kind   string `json:"kind"`
	Region string `json:"region,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
}

// RouteConfig wires one worker role to its topics.
type RouteConfig struct {
	Subscribe string `json:"subscribe"`
	Publish   string `json:"publish,omitempty"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`

	// Routes names additional topics a stage may publish to, e.g. "restart".
	Routes map[string]string `json:"routes,omitempty"`

	Durable bool `json:"durable"`

	// Concurrency is the number of consumer processes to run for the role.
	// It is a hint for process supervisors; a single runtime is sequential.
	Concurrency int `json:"concurrency,omitempty"`

	AckWait Duration `json:"ack_wait,omitempty"`
}

// Route returns the topic for a named route, or "" when it is not configured.
func (r RouteConfig) Route(name string) string {
	return r.Routes[name]
}

// Route returns the RouteConfig for a role.
func (c *Config) Route(role string) (RouteConfig, error) {
	rc, ok := c.Workers[role]
	if !ok {
		return RouteConfig{}, errors.WrapFatal(fmt.Errorf("%w: worker %q", errors.ErrMissingConfig, role),
			"Config", "Route", "look up worker route")
	}
	return rc, nil
}

// Roles returns the configured roles in a stable order.
func (c *Config) Roles() []string {
	roles := make([]string, 0, len(c.Workers))
	for role := range c.Workers {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

// Topics returns every subject the workers subscribe or publish to.
func (c *Config) Topics() []string {
	var topics []string
	add := func(t string) {
		if t != "" && !slices.Contains(topics, t) {
			topics = append(topics, t)
		}
	}
	for _, role := range c.Roles() {
		rc := c.Workers[role]
		add(rc.Subscribe)
		add(rc.Publish)
		add(rc.Status)
		add(rc.Error)
		for _, t := range rc.Routes {
			add(t)
		}
	}
	return topics
}

// Default returns the built-in configuration.
func Default() *Config {
	route := func(sub, pub string) RouteConfig {
		return RouteConfig{
			Subscribe:   sub,
			Publish:     pub,
			Status:      TopicStatus,
			Error:       TopicError,
			Durable:     true,
			Concurrency: 1,
		}
	}

	beforeDeploy := route(TopicBeforeDeploy, TopicDeploy)
	beforeDeploy.Routes = map[string]string{RoleRestart: TopicRestart}

	deploy := route(TopicDeploy, TopicTest)
	deploy.AckWait = Duration(time.Minute)

	restart := route(TopicRestart, TopicTest)
	restart.AckWait = Duration(time.Minute)

	test := route(TopicTest, TopicAfterDeploy)
	test.AckWait = Duration(time.Minute)

	dbWriter := route(TopicStatus, "")
	dbWriter.Status = ""

	return &Config{
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
			Stream:        "PIPELINE",
			DurableStream: true,
			MaxAge:        Duration(7 * 24 * time.Hour),
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			User:    "rollout",
			Name:    "rollout",
			SSLMode: "disable",
		},
		Pipeline: PipelineConfig{
			MaxWaitTime:        Duration(30 * time.Minute),
			RetryDelay:         Duration(30 * time.Second),
			MaxExecTime:        Duration(30 * time.Minute),
			DeployHome:         "/dvt/workspace/eb-deploy",
			RecipeCacheTTL:     Duration(30 * time.Second),
			DefaultApplication: "sandbox",
			LastUsedBucket:     "deploy_last_used",
			CleanupAfter:       Duration(50 * time.Minute),
			ReaperSchedule:     "@every 5m",
			ReaperWorkers:      4,
			TerminateRate:      1,
			ReapEnvironments:   []string{"testing", "sandbox"},
			Commands: CommandsConfig{
				Deploy:      "./safe-deploy.sh {environment}",
				RestartSoft: "./restart.sh soft {environment}",
				RestartHard: "./restart.sh hard {environment}",
				Test:        "./run-tests.sh {environment}",
				FindEnv:     "./find-env-by-attr url {environment}",
				Terminate:   "eb terminate --force --nohang {environment}",
			},
		},
		Probe: ProbeConfig{
			Kind:   ProbeCommand,
			Region: "us-east-1",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Workers: map[string]RouteConfig{
			RoleGitHubDeploy: route(TopicGitHubDeploy, TopicBeforeDeploy),
			RoleBeforeDeploy: beforeDeploy,
			RoleDeploy:       deploy,
			RoleRestart:      restart,
			RoleTest:         test,
			RoleAfterDeploy:  route(TopicAfterDeploy, ""),
			RoleDBWriter:     dbWriter,
			RoleErrorLogger:  {Subscribe: TopicError},
		},
	}
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	if len(c.NATS.URLs) == 0 {
		return invalid("nats.urls is required")
	}
	for _, u := range c.NATS.URLs {
		if _, err := url.Parse(u); err != nil {
			return invalid("nats.urls: %q: %v", u, err)
		}
	}
	if !isValidNATSSubjectPart(c.NATS.Stream) || strings.Contains(c.NATS.Stream, ".") {
		return invalid("nats.stream %q is not a valid stream name", c.NATS.Stream)
	}

	p := c.Pipeline
	for name, d := range map[string]Duration{
		"max_wait_time": p.MaxWaitTime,
		"retry_delay":   p.RetryDelay,
		"max_exec_time": p.MaxExecTime,
		"cleanup_after": p.CleanupAfter,
	} {
		if d <= 0 {
			return invalid("pipeline.%s must be positive", name)
		}
	}
	if p.DeployHome == "" {
		return invalid("pipeline.deploy_home is required")
	}
	if p.ReaperWorkers < 1 {
		return invalid("pipeline.reaper_workers must be at least 1")
	}
	if len(p.ReapEnvironments) == 0 {
		return invalid("pipeline.reap_environments must name at least one environment")
	}
	if p.TerminateRate < 0 {
		return invalid("pipeline.reaper_terminate_rate must not be negative")
	}

	switch c.Probe.Kind {
	case ProbeCommand:
	case ProbeElasticBeanstalk:
		if c.Probe.Region == "" {
			return invalid("probe.region is required for %s", ProbeElasticBeanstalk)
		}
	default:
		return invalid("probe.kind %q is not one of %s, %s", c.Probe.Kind, ProbeCommand, ProbeElasticBeanstalk)
	}

	for role, rc := range c.Workers {
		if rc.Subscribe == "" {
			return invalid("workers.%s.subscribe is required", role)
		}
		for _, topic := range []string{rc.Subscribe, rc.Publish, rc.Status, rc.Error} {
			if topic != "" && !isValidNATSSubjectPart(topic) {
				return invalid("workers.%s: %q is not a valid topic", role, topic)
			}
		}
		for name, topic := range rc.Routes {
			if !isValidNATSSubjectPart(topic) {
				return invalid("workers.%s.routes.%s: %q is not a valid topic", role, name, topic)
			}
		}
		if rc.Concurrency < 0 {
			return invalid("workers.%s.concurrency cannot be negative", role)
		}
	}

	return nil
}

func invalid(format string, args ...any) error {
	return errors.WrapFatal(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, fmt.Sprintf(format, args...)),
		"Config", "Validate", "validate configuration")
}

// isValidNATSSubjectPart checks if a string is valid for use in NATS subjects.
// Valid characters are alphanumeric, dots, dashes, and underscores.
func isValidNATSSubjectPart(s string) bool {
	if len(s) == 0 {
		return false
	}

	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) &&
			r != '-' && r != '_' && r != '.' {
			return false
		}
	}
	return true
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}

	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}

	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// String returns a JSON representation of the config with secrets removed
func (c *Config) String() string {
	redacted := c.Clone()
	for _, s := range []*string{&redacted.NATS.Password, &redacted.NATS.Token, &redacted.Database.Password} {
		if *s != "" {
			*s = "***"
		}
	}
	if redacted.Database.DSN != "" {
		redacted.Database.DSN = redactDSN(redacted.Database.DSN)
	}
	data, _ := json.MarshalIndent(redacted, "", "  ")
	return string(data)
}

func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "redacted")
	}
	return u.String()
}
