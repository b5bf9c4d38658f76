package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kelseyhightower/envconfig"

	"github.com/glimte/relaymq/contracts"
	"github.com/glimte/relaymq/internal/rabbitmq"
)

// Load reads the settings from the environment and validates them
func Load() (*Settings, error) {
	cfg := &Settings{}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, contracts.NewConfigurationError("load settings", fmt.Errorf("unable to parse relaymq configuration: %w", err))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the settings. Every failure matches contracts.ErrConfiguration.
func (s Settings) Validate() error {
	var problems []string

	if len(s.Broker.URLs) == 0 {
		return contracts.NewConfigurationError("validate settings", contracts.ErrEmptyEndpoints)
	}
	for _, u := range append(append([]string(nil), s.Broker.URLs...), s.Broker.Alternates...) {
		if !strings.HasPrefix(u, "amqp://") && !strings.HasPrefix(u, "amqps://") {
			problems = append(problems, fmt.Sprintf("broker url %q must use amqp or amqps", rabbitmq.SanitizeURL(u)))
		}
	}
	if s.Broker.ChannelPoolSize < 1 {
		problems = append(problems, "channel pool size must be at least 1")
	}
	if s.Broker.ConsumeChannels < 1 {
		problems = append(problems, "consume channels must be at least 1")
	}

	if _, err := s.SendMode(); err != nil {
		problems = append(problems, fmt.Sprintf("unknown send mode %q", s.Producer.SendMode))
	}
	if s.Producer.MaxRetries < 0 {
		problems = append(problems, "producer max retries must not be negative")
	}
	if s.Producer.IntervalStart < 0 || s.Producer.IntervalStep < 0 || s.Producer.IntervalMax < 0 {
		problems = append(problems, "producer retry intervals must not be negative")
	}

	if _, err := s.HandlerType(); err != nil {
		problems = append(problems, fmt.Sprintf("unknown handler type %q", s.Consumer.HandlerType))
	}
	if s.Consumer.PoolSize < 1 {
		problems = append(problems, "consumer pool size must be at least 1")
	}
	if s.Consumer.PrefetchCount < 0 {
		problems = append(problems, "consumer prefetch count must not be negative")
	}
	if s.Consumer.RetryTimes < 0 {
		problems = append(problems, "consumer retry times must not be negative")
	}

	if _, err := s.LogLevel(); err != nil {
		problems = append(problems, err.Error())
	}
	switch strings.ToLower(s.Logging.Format) {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("unknown log format %q", s.Logging.Format))
	}

	if len(problems) > 0 {
		return contracts.NewConfigurationError("validate settings", errors.New(strings.Join(problems, "; ")))
	}
	return nil
}

// SendMode parses the producer send mode
func (s Settings) SendMode() (contracts.SendMode, error) {
	return contracts.ParseSendMode(s.Producer.SendMode)
}

// HandlerType parses the consumer handler type
func (s Settings) HandlerType() (contracts.HandlerType, error) {
	return contracts.ParseHandlerType(s.Consumer.HandlerType)
}

// LogLevel parses the logging level
func (s Settings) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s.Logging.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s.Logging.Level)
	}
	return level, nil
}

// Queue returns the queue name configured under key, or key itself
func (s Settings) Queue(key string) string {
	if name, ok := s.Queues[key]; ok && name != "" {
		return name
	}
	return key
}
