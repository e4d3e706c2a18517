package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// SlotConfig describes one external compute worker slot.
type SlotConfig struct {
	ID       string
	Family   string
	Endpoint string
}

// Config holds all application configuration
type Config struct {
	// MongoDB Configuration
	MongoURI      string
	MongoDatabase string
	MongoTimeout  time.Duration

	// HTTP Server Configuration
	HTTPPort         string
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration

	// Compute Pool Configuration
	ComputeSlots   []SlotConfig
	MaxQueueDepth  int
	ComputeTimeout time.Duration
	DefaultFamily  string
	DatasetDir     string

	// Seed for the estimated-wait calculation until real durations
	// have been observed.
	SeedJobDuration time.Duration

	// Logging Configuration
	LogLevel  string
	LogFormat string

	// CORS Configuration
	CORSAllowedOrigins   string
	CORSAllowedMethods   string
	CORSAllowedHeaders   string
	CORSAllowCredentials bool
	CORSMaxAge           int

	// Reconciler Configuration
	ReconcilerEnabled  bool
	ReconcilerSchedule string
	ReconcilerLockTTL  time.Duration
	ReconcilerGrace    time.Duration
}

// Load reads configuration from environment variables with sensible defaults
func Load() *Config {
	return &Config{
		// MongoDB
		MongoURI:      getEnv("MONGO_URI", "mongodb://localhost:27017/galton?authSource=admin"),
		MongoDatabase: getEnv("MONGO_DATABASE", "galton"),
		MongoTimeout:  getDurationEnv("MONGO_TIMEOUT_SEC", 10) * time.Second,

		// HTTP Server
		HTTPPort:         getEnv("HTTP_PORT", "8080"),
		HTTPReadTimeout:  getDurationEnv("HTTP_READ_TIMEOUT_SEC", 30) * time.Second,
		HTTPWriteTimeout: getDurationEnv("HTTP_WRITE_TIMEOUT_SEC", 60) * time.Second,

		// Compute Pool
		ComputeSlots: parseSlotSpecs(getEnv("COMPUTE_SLOTS",
			"ols-0=linear@http://localhost:8000/ols,"+
				"logit-0=classification@http://localhost:8002/logistic,"+
				"ols-1=linear@http://localhost:8004/ols")),
		MaxQueueDepth:   getIntEnv("MAX_QUEUE_DEPTH", 10),
		ComputeTimeout:  getDurationEnv("COMPUTE_TIMEOUT_SEC", 45) * time.Second,
		DefaultFamily:   getEnv("DEFAULT_MODEL_FAMILY", "linear"),
		DatasetDir:      getEnv("DATASET_DIR", "./data"),
		SeedJobDuration: getDurationEnv("SEED_JOB_DURATION_SEC", 10) * time.Second,

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		// CORS
		CORSAllowedOrigins:   getEnv("CORS_ALLOWED_ORIGINS", "*"),
		CORSAllowedMethods:   getEnv("CORS_ALLOWED_METHODS", "GET, POST, PUT, DELETE, OPTIONS, PATCH"),
		CORSAllowedHeaders:   getEnv("CORS_ALLOWED_HEADERS", "*"),
		CORSAllowCredentials: getBoolEnv("CORS_ALLOW_CREDENTIALS", true),
		CORSMaxAge:           getIntEnv("CORS_MAX_AGE", 3600),

		// Reconciler
		ReconcilerEnabled:  getBoolEnv("RECONCILER_ENABLED", true),
		ReconcilerSchedule: getEnv("RECONCILER_SCHEDULE", "* * * * *"),
		ReconcilerLockTTL:  getDurationEnv("RECONCILER_LOCK_TTL_SEC", 300) * time.Second,
		ReconcilerGrace:    getDurationEnv("RECONCILER_GRACE_SEC", 30) * time.Second,
	}
}

// parseSlotSpecs parses a comma-separated slot list of the form
// "id=family@endpoint,...". Malformed entries are skipped with a warning
// so a typo in one slot does not take the whole pool down.
func parseSlotSpecs(raw string) []SlotConfig {
	var slots []SlotConfig
	for _, spec := range strings.Split(raw, ",") {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		slot, err := parseSlotSpec(spec)
		if err != nil {
			log.Printf("Warning: skipping invalid compute slot %q: %v", spec, err)
			continue
		}
		slots = append(slots, slot)
	}
	return slots
}

func parseSlotSpec(spec string) (SlotConfig, error) {
	id, rest, ok := strings.Cut(spec, "=")
	if !ok || id == "" {
		return SlotConfig{}, fmt.Errorf("missing slot id")
	}
	family, endpoint, ok := strings.Cut(rest, "@")
	if !ok || family == "" || endpoint == "" {
		return SlotConfig{}, fmt.Errorf("expected family@endpoint")
	}
	return SlotConfig{ID: id, Family: family, Endpoint: endpoint}, nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
		log.Printf("Warning: Invalid integer value for %s, using default %d", key, defaultValue)
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue int) time.Duration {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return time.Duration(intVal)
		}
		log.Printf("Warning: Invalid duration value for %s, using default %d", key, defaultValue)
	}
	return time.Duration(defaultValue)
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
		log.Printf("Warning: Invalid boolean value for %s, using default %t", key, defaultValue)
	}
	return defaultValue
}
