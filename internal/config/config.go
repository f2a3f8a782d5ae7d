// Package config загружает конфигурацию демона из YAML-файла.
//
// Параметры подключения (БД, RabbitMQ) берутся из переменных
// окружения, как и у остальных сервисов; файл описывает политику
// concurrency и ручки диспетчера.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stavrosk/taxis/internal/policy"
)

// Значения по умолчанию для ручек диспетчера.
const (
	DefaultPollInterval     = 2 * time.Second
	DefaultStartingDeadline = 5 * time.Minute
	DefaultBatchSize        = 100
)

// Duration — обёртка для time.Duration с разбором из YAML-строки
// ("2s", "5m"). yaml.v3 сам duration не парсит.
type Duration time.Duration

// UnmarshalYAML разбирает строку в Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std возвращает стандартный time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config — конфигурация демона taxis.
type Config struct {
	// Policy — политика concurrency (see internal/policy).
	Policy policy.Policy `yaml:"concurrency"`

	// PollInterval — период цикла диспетчера. Ограничивает сверху
	// задержку admission при потере MQ-событий; обычная задержка
	// меньше за счёт событий runs.queued.
	PollInterval Duration `yaml:"poll_interval"`

	// StartingDeadline — сколько run может висеть в STARTING
	// без подтверждения, прежде чем reaper пометит его
	// FAILED/LauncherLost и освободит слот.
	StartingDeadline Duration `yaml:"starting_deadline"`

	// BatchSize — сколько queued runs диспетчер берёт за один цикл.
	BatchSize int `yaml:"batch_size"`
}

// Load читает и валидирует конфигурацию из файла.
// Некорректная политика — фатальная ошибка (ErrConfigInvalid).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", policy.ErrConfigInvalid, path, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults подставляет значения по умолчанию.
func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = Duration(DefaultPollInterval)
	}
	if c.StartingDeadline <= 0 {
		c.StartingDeadline = Duration(DefaultStartingDeadline)
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
}

// Validate проверяет конфигурацию.
func (c *Config) Validate() error {
	return c.Policy.Validate()
}

// Path возвращает путь к конфигу из TAXIS_CONFIG
// или значение по умолчанию.
func Path() string {
	if p := os.Getenv("TAXIS_CONFIG"); p != "" {
		return p
	}
	return "taxis.yaml"
}
