// Package config содержит логику чтения конфигурации сервиса выдачи заказов.
package config

import (
	"flag"
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress        string   `env:"RUN_ADDRESS"`
	DatabaseURI       string   `env:"DATABASE_URI"`
	CatalogAddress    string   `env:"CATALOG_ADDRESS"`
	KafkaBrokers      []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic        string   `env:"KAFKA_TOPIC"`
	AuthSecret        string   `env:"AUTH_SECRET"`
	AdminToken        string   `env:"ADMIN_TOKEN"`
	OTLPEndpoint      string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OrderNumberPrefix string   `env:"ORDER_NUMBER_PREFIX"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения, в том числе загруженные из файла .env, имеют приоритет над флагами.
func Parse() (*Config, error) {
	// Отсутствие .env не ошибка.
	_ = godotenv.Load()

	fromEnv := &Config{}
	if err := env.Parse(fromEnv); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg := &Config{}
	var brokers string

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.CatalogAddress, "c", "", "catalog service address")
	flag.StringVar(&brokers, "k", "", "comma-separated list of kafka brokers")
	flag.StringVar(&cfg.AuthSecret, "s", "", "secret for signing auth tokens")

	flag.Parse()

	cfg.KafkaBrokers = splitList(brokers)

	override(&cfg.RunAddress, fromEnv.RunAddress)
	override(&cfg.DatabaseURI, fromEnv.DatabaseURI)
	override(&cfg.CatalogAddress, fromEnv.CatalogAddress)
	override(&cfg.AuthSecret, fromEnv.AuthSecret)
	if len(fromEnv.KafkaBrokers) > 0 {
		cfg.KafkaBrokers = splitList(strings.Join(fromEnv.KafkaBrokers, ","))
	}
	cfg.KafkaTopic = fromEnv.KafkaTopic
	cfg.AdminToken = fromEnv.AdminToken
	cfg.OTLPEndpoint = fromEnv.OTLPEndpoint
	cfg.OrderNumberPrefix = fromEnv.OrderNumberPrefix

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.OrderNumberPrefix == "" {
		cfg.OrderNumberPrefix = "SHR"
	}

	return cfg, nil
}

func override(dst *string, envValue string) {
	if envValue != "" {
		*dst = envValue
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
