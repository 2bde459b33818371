package natsclient

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/adsabs/ADSDeploy/metric"
)

// settings holds everything a ClientOption can change.
type settings struct {
	name      string
	user      string
	password  string
	token     string
	credsFile string

	maxReconnects  int
	reconnectWait  time.Duration
	pingInterval   time.Duration
	timeout        time.Duration
	drainTimeout   time.Duration
	fetchWait      time.Duration
	healthInterval time.Duration

	breakerThreshold int
	breakerCooldown  time.Duration
	breakerCap       time.Duration

	logger   *slog.Logger
	registry *metric.MetricsRegistry
}

func defaultSettings() settings {
	return settings{
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		timeout:          5 * time.Second,
		drainTimeout:     30 * time.Second,
		fetchWait:        5 * time.Second,
		healthInterval:   10 * time.Second,
		breakerThreshold: 5,
		breakerCooldown:  time.Second,
		breakerCap:       time.Minute,
		logger:           slog.Default(),
	}
}

// ClientOption configures a Client.
type ClientOption func(*settings) error

// WithName names the connection on the server, e.g. "rollout-deploy".
func WithName(name string) ClientOption {
	return func(s *settings) error {
		s.name = name
		return nil
	}
}

// WithCredentials authenticates with a user and password.
func WithCredentials(user, password string) ClientOption {
	return func(s *settings) error {
		s.user, s.password = user, password
		return nil
	}
}

// WithToken authenticates with a bearer token.
func WithToken(token string) ClientOption {
	return func(s *settings) error {
		s.token = token
		return nil
	}
}

// WithCredentialsFile authenticates with a NATS .creds file.
func WithCredentialsFile(path string) ClientOption {
	return func(s *settings) error {
		s.credsFile = path
		return nil
	}
}

// WithMaxReconnects caps reconnect attempts. -1 retries forever.
func WithMaxReconnects(n int) ClientOption {
	return func(s *settings) error {
		s.maxReconnects = n
		return nil
	}
}

// WithReconnectWait sets the pause between reconnect attempts.
func WithReconnectWait(d time.Duration) ClientOption {
	return func(s *settings) error {
		s.reconnectWait = d
		return nil
	}
}

// WithTimeout bounds the initial dial.
func WithTimeout(d time.Duration) ClientOption {
	return func(s *settings) error {
		s.timeout = d
		return nil
	}
}

// WithHealthInterval sets how often the connection round trip is measured.
// Zero turns the probe off.
func WithHealthInterval(d time.Duration) ClientOption {
	return func(s *settings) error {
		s.healthInterval = d
		return nil
	}
}

// WithFetchWait bounds how long ConsumeOne waits before returning
// ErrNoMessage. Shorter waits notice cancellation sooner.
func WithFetchWait(d time.Duration) ClientOption {
	return func(s *settings) error {
		if d <= 0 {
			return fmt.Errorf("fetch wait must be positive, got %v", d)
		}
		s.fetchWait = d
		return nil
	}
}

// WithCircuitBreaker opens the breaker after threshold consecutive failures.
func WithCircuitBreaker(threshold int, cooldown, ceiling time.Duration) ClientOption {
	return func(s *settings) error {
		if threshold < 1 {
			return fmt.Errorf("breaker threshold must be positive, got %d", threshold)
		}
		if cooldown <= 0 || ceiling < cooldown {
			return fmt.Errorf("breaker cooldown %v must be positive and at most %v", cooldown, ceiling)
		}
		s.breakerThreshold, s.breakerCooldown, s.breakerCap = threshold, cooldown, ceiling
		return nil
	}
}

// WithLogger sets the logger. A nil logger keeps slog.Default.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(s *settings) error {
		if logger != nil {
			s.logger = logger
		}
		return nil
	}
}

// WithMetrics exports connection and queue metrics through registry.
func WithMetrics(registry *metric.MetricsRegistry) ClientOption {
	return func(s *settings) error {
		s.registry = registry
		return nil
	}
}
