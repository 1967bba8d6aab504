// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package config loads the configuration of the dispatch daemon from
// environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olivere/jobdispatch"
	"github.com/olivere/jobdispatch/provider"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StoreMySQL    = "mysql"
	StorePostgres = "postgres"
	StoreMongoDB  = "mongodb"
)

// Broker backends.
const (
	BrokerMemory = "memory"
	BrokerRedis  = "redis"
)

// Config holds all configuration of the daemon.
type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	Broker    BrokerConfig
	Providers ProvidersConfig
	Lanes     map[string]LaneConfig
	Schedule  bool // submit periodic maintenance and backfill jobs
	LogLevel  string
	LogFormat string // text or json
}

// ServerConfig holds the listen addresses.
type ServerConfig struct {
	HTTPAddr string
	GRPCAddr string   // empty disables the gRPC health service
	APIKeys  []string // bearer tokens accepted on /v1, none for an open API
}

// StoreConfig selects and configures the job and item store.
type StoreConfig struct {
	Kind            string
	URL             string // DSN, connection URL, or SQLite path
	MaxConns        int32
	MaxConnLifetime time.Duration
	DialTimeout     time.Duration
}

// BrokerConfig selects and configures the broker.
type BrokerConfig struct {
	Kind           string
	RedisURL       string
	LeaseTimeout   time.Duration
	RecoverPending bool
}

// ProvidersConfig configures the two inference providers.
type ProvidersConfig struct {
	Primary       provider.Provider
	Secondary     provider.Provider
	ProbeInterval time.Duration // 0 probes at startup only
	ProbeTimeout  time.Duration
	RouterTimeout time.Duration
}

// LaneConfig overrides the defaults of a lane.
type LaneConfig struct {
	Concurrency int
	RateLimit   float64 // dequeues per second, 0 for unlimited
}

// Error is returned by Validate.
type Error struct {
	Key string
	Msg string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Key, e.Msg)
}

// Load loads the configuration from environment variables.
func Load() *Config {
	c := &Config{
		Server: ServerConfig{
			HTTPAddr: getEnv("HTTP_ADDR", ":8000"),
			GRPCAddr: getEnv("GRPC_ADDR", ""),
			APIKeys:  getEnvAsList("API_KEYS"),
		},
		Store: StoreConfig{
			Kind:            getEnv("STORE", StoreSQLite),
			URL:             getEnv("STORE_URL", "jobdispatch.db"),
			MaxConns:        int32(getEnvAsInt("DB_MAX_CONNS", 10)),
			MaxConnLifetime: getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			DialTimeout:     getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
		},
		Broker: BrokerConfig{
			Kind:           getEnv("BROKER", BrokerMemory),
			RedisURL:       getEnv("REDIS_URL", "redis://localhost:6379/0"),
			LeaseTimeout:   getEnvAsDuration("LEASE_TIMEOUT", 15*time.Minute),
			RecoverPending: getEnvAsBool("RECOVER_PENDING", true),
		},
		Providers: ProvidersConfig{
			Primary: provider.Provider{
				Name:    getEnv("PRIMARY_NAME", "vllm"),
				URL:     getEnv("VLLM_URL", "http://vllm:8000"),
				Dialect: provider.Dialect(getEnv("VLLM_DIALECT", string(provider.OpenAI))),
				Model:   getEnv("VLLM_MODEL", ""),
				APIKey:  getEnv("VLLM_API_KEY", ""),
			},
			Secondary: provider.Provider{
				Name:    getEnv("SECONDARY_NAME", "ollama"),
				URL:     getEnv("OLLAMA_URL", "http://ollama:11434"),
				Dialect: provider.Dialect(getEnv("OLLAMA_DIALECT", string(provider.Ollama))),
				Model:   getEnv("OLLAMA_MODEL", ""),
			},
			ProbeInterval: getEnvAsDuration("PROBE_INTERVAL", 0),
			ProbeTimeout:  getEnvAsDuration("PROBE_TIMEOUT", 10*time.Second),
			RouterTimeout: getEnvAsDuration("ROUTER_TIMEOUT", 120*time.Second),
		},
		Lanes:     make(map[string]LaneConfig),
		Schedule:  getEnvAsBool("SCHEDULE", true),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
	}
	for _, lane := range jobdispatch.DefaultLanes() {
		prefix := strings.ToUpper(lane.Name) + "_"
		c.Lanes[lane.Name] = LaneConfig{
			Concurrency: getEnvAsInt(prefix+"CONCURRENCY", lane.Concurrency),
			RateLimit:   getEnvAsFloat(prefix+"RATE_LIMIT", lane.RateLimit),
		}
	}
	return c
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return &Error{Key: "HTTP_ADDR", Msg: "is required"}
	}
	switch c.Store.Kind {
	case StoreMemory:
	case StoreSQLite, StoreMySQL, StorePostgres, StoreMongoDB:
		if c.Store.URL == "" {
			return &Error{Key: "STORE_URL", Msg: "is required for store " + c.Store.Kind}
		}
	default:
		return &Error{Key: "STORE", Msg: fmt.Sprintf("unknown store %q", c.Store.Kind)}
	}
	switch c.Broker.Kind {
	case BrokerMemory:
	case BrokerRedis:
		if _, err := url.Parse(c.Broker.RedisURL); err != nil || c.Broker.RedisURL == "" {
			return &Error{Key: "REDIS_URL", Msg: "must be a redis:// URL"}
		}
	default:
		return &Error{Key: "BROKER", Msg: fmt.Sprintf("unknown broker %q", c.Broker.Kind)}
	}
	if c.Broker.LeaseTimeout <= 0 {
		return &Error{Key: "LEASE_TIMEOUT", Msg: "must be positive"}
	}
	for key, p := range map[string]provider.Provider{"VLLM_URL": c.Providers.Primary, "OLLAMA_URL": c.Providers.Secondary} {
		if err := p.Validate(); err != nil {
			return &Error{Key: key, Msg: err.Error()}
		}
		u, err := url.Parse(p.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &Error{Key: key, Msg: fmt.Sprintf("invalid URL %q", p.URL)}
		}
	}
	if c.Providers.Primary.Name == c.Providers.Secondary.Name {
		return &Error{Key: "SECONDARY_NAME", Msg: "providers need distinct names"}
	}
	if c.Providers.ProbeInterval < 0 {
		return &Error{Key: "PROBE_INTERVAL", Msg: "must not be negative"}
	}
	if c.Providers.ProbeTimeout <= 0 {
		return &Error{Key: "PROBE_TIMEOUT", Msg: "must be positive"}
	}
	if c.Providers.RouterTimeout <= 0 {
		return &Error{Key: "ROUTER_TIMEOUT", Msg: "must be positive"}
	}
	for name, lane := range c.Lanes {
		prefix := strings.ToUpper(name) + "_"
		if lane.Concurrency < 1 {
			return &Error{Key: prefix + "CONCURRENCY", Msg: "must be at least 1"}
		}
		if lane.RateLimit < 0 {
			return &Error{Key: prefix + "RATE_LIMIT", Msg: "must not be negative"}
		}
	}
	return nil
}

// QueueRouter returns the default lanes and routes with the configured
// concurrency and rate limits.
func (c *Config) QueueRouter() (*jobdispatch.QueueRouter, error) {
	lanes := jobdispatch.DefaultLanes()
	for i, lane := range lanes {
		if lc, found := c.Lanes[lane.Name]; found {
			lanes[i].Concurrency = lc.Concurrency
			lanes[i].RateLimit = lc.RateLimit
		}
	}
	return jobdispatch.NewQueueRouter(lanes, jobdispatch.DefaultRoutes())
}

// -- Environment helpers --

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvAsList splits a comma-separated value and drops empty entries.
func getEnvAsList(key string) []string {
	var list []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			list = append(list, v)
		}
	}
	return list
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
