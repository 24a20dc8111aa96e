package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"hati/internal/driver"
	"hati/internal/generator"

	"github.com/joho/godotenv"
)

type Log struct {
	Level  string
	Pretty bool
}

type Server struct {
	TCPAddress  string
	TCPPort     int
	HTTPAddress string // empty disables the HTTP surface
	CORSOrigins []string
}

type Simulation struct {
	Enabled   bool   // run the order synthesizer as producer
	Seed      uint64 // 0 picks a seed from the clock
	Generator generator.Config
}

type Sinks struct {
	JournalDir   string // empty disables the fill journal
	KafkaBrokers []string
	KafkaTopic   string
}

type Config struct {
	Log             Log
	Server          Server
	Driver          driver.Config
	Simulation      Simulation
	Sinks           Sinks
	SnapshotHistory int
	StreamInterval  time.Duration
}

func Default() Config {
	return Config{
		Log: Log{
			Level:  "info",
			Pretty: true,
		},
		Server: Server{
			TCPAddress:  "0.0.0.0",
			TCPPort:     9001,
			HTTPAddress: ":8080",
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Driver: driver.Config{
			MatchInterval:    100 * time.Millisecond,
			SnapshotEvery:    5,
			ProducerMaxDelay: 100 * time.Millisecond,
		},
		Simulation: Simulation{
			Generator: generator.DefaultConfig(),
		},
		Sinks: Sinks{
			KafkaTopic: "fills",
		},
		SnapshotHistory: 1024,
		StreamInterval:  time.Second,
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Pretty = getBool("LOG_PRETTY", cfg.Log.Pretty)

	cfg.Server.TCPAddress = getEnv("TCP_ADDRESS", cfg.Server.TCPAddress)
	cfg.Server.TCPPort = getInt("TCP_PORT", cfg.Server.TCPPort)
	if addr, ok := os.LookupEnv("HTTP_ADDRESS"); ok {
		cfg.Server.HTTPAddress = addr
	}
	cfg.Server.CORSOrigins = getList("CORS_ORIGINS", cfg.Server.CORSOrigins)

	cfg.Driver.MatchInterval = getMillis("MATCH_INTERVAL_MS", cfg.Driver.MatchInterval)
	cfg.Driver.SnapshotEvery = getInt("SNAPSHOT_EVERY", cfg.Driver.SnapshotEvery)
	cfg.Driver.ProducerMaxDelay = getMillis("PRODUCER_MAX_DELAY_MS", cfg.Driver.ProducerMaxDelay)
	cfg.Driver.Iterations = getInt("ITERATIONS", cfg.Driver.Iterations)
	cfg.Driver.RunDuration = getMillis("RUN_DURATION_MS", cfg.Driver.RunDuration)
	cfg.Driver.SweepExpired = getBool("SWEEP_EXPIRED", cfg.Driver.SweepExpired)

	cfg.Simulation.Enabled = getBool("SIMULATE", cfg.Simulation.Enabled)
	if seed := os.Getenv("SEED"); seed != "" {
		if v, err := strconv.ParseUint(seed, 10, 64); err == nil {
			cfg.Simulation.Seed = v
		}
	}
	gen := &cfg.Simulation.Generator
	gen.PriceStep = int64(getInt("PRICE_STEP", int(gen.PriceStep)))
	gen.MaxPrice = int64(getInt("MAX_PRICE", int(gen.MaxPrice)))
	gen.MaxQuantity = uint64(getInt("MAX_QUANTITY", int(gen.MaxQuantity)))
	gen.MinTTL = time.Duration(getInt("MIN_TTL_S", int(gen.MinTTL/time.Second))) * time.Second
	gen.MaxTTL = time.Duration(getInt("MAX_TTL_S", int(gen.MaxTTL/time.Second))) * time.Second

	cfg.Sinks.JournalDir = getEnv("JOURNAL_DIR", cfg.Sinks.JournalDir)
	cfg.Sinks.KafkaBrokers = getList("KAFKA_BROKERS", cfg.Sinks.KafkaBrokers)
	cfg.Sinks.KafkaTopic = getEnv("KAFKA_TOPIC", cfg.Sinks.KafkaTopic)

	cfg.SnapshotHistory = getInt("SNAPSHOT_HISTORY", cfg.SnapshotHistory)
	cfg.StreamInterval = getMillis("STREAM_INTERVAL_MS", cfg.StreamInterval)

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.Atoi(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseBool(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func getMillis(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

// getList splits a comma-separated variable, e.g. "broker1:9092,broker2:9092".
func getList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
