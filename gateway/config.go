// Copyright 2025 PromptGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"os"
	"strconv"
	"time"
)

// Config is the environment-driven service configuration.
//
// Environment variables:
//   - PORT: HTTP server port (default: 8080)
//   - JWT_SECRET: session token signing secret (required)
//   - DATABASE_URL: PostgreSQL connection string (optional; enables the
//     Postgres rule store, client store, and telemetry sink)
//   - GUARDRAIL_RULES_PATH: YAML rule file (used when DATABASE_URL is unset)
//   - REDIS_URL: Redis address for distributed rate limiting (optional;
//     falls back to the in-memory limiter)
//   - PUBSUB_PROJECT_ID / PUBSUB_TOPIC: telemetry event stream (optional)
//   - TELEMETRY_PATH: JSONL telemetry file (fallback sink)
//   - ANTHROPIC_API_KEY: provider API key
//   - DEFAULT_MODEL: model used when a request names none
//   - RATE_LIMIT / RATE_WINDOW_SECONDS / RATE_BURST: limiter tuning
//   - ENFORCE_BUDGET: enables the budget consumption stage (default: false)
//   - COST_PER_TOKEN: budget pricing per estimated token
//   - DEFAULT_PROJECT: fallback project identity (default: "default")
type Config struct {
	Port              string
	JWTSecret         string
	DatabaseURL       string
	GuardrailRules    string
	RedisURL          string
	PubSubProjectID   string
	PubSubTopic       string
	TelemetryPath     string
	AnthropicKey      string
	DefaultModel      string
	RateLimit         int
	RateWindow        time.Duration
	RateBurst         int
	EnforceBudget     bool
	CostPerToken      float64
	DefaultProject    string
	SessionTTL        time.Duration
	AllowedOrigins    []string
	ShutdownTimeout   time.Duration
}

// LoadConfig reads configuration from the environment. Validation of the
// fail-secure requirements (secret present, a rule source configured) happens
// at component construction, not here.
func LoadConfig() Config {
	return Config{
		Port:            getEnv("PORT", "8080"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		GuardrailRules:  getEnv("GUARDRAIL_RULES_PATH", "guardrails.yaml"),
		RedisURL:        os.Getenv("REDIS_URL"),
		PubSubProjectID: os.Getenv("PUBSUB_PROJECT_ID"),
		PubSubTopic:     getEnv("PUBSUB_TOPIC", "gateway-telemetry"),
		TelemetryPath:   getEnv("TELEMETRY_PATH", "telemetry.jsonl"),
		AnthropicKey:    os.Getenv("ANTHROPIC_API_KEY"),
		DefaultModel:    getEnv("DEFAULT_MODEL", "claude-3-5-sonnet-20241022"),
		RateLimit:       getEnvInt("RATE_LIMIT", 100),
		RateWindow:      time.Duration(getEnvInt("RATE_WINDOW_SECONDS", 60)) * time.Second,
		RateBurst:       getEnvInt("RATE_BURST", 10),
		EnforceBudget:   getEnvBool("ENFORCE_BUDGET", false),
		CostPerToken:    getEnvFloat("COST_PER_TOKEN", DefaultCostPerToken),
		DefaultProject:  getEnv("DEFAULT_PROJECT", DefaultProject),
		SessionTTL:      time.Duration(getEnvInt("SESSION_TTL_SECONDS", 3600)) * time.Second,
		AllowedOrigins:  []string{getEnv("CORS_ALLOWED_ORIGIN", "*")},
		ShutdownTimeout: time.Duration(getEnvInt("SHUTDOWN_TIMEOUT_SECONDS", 15)) * time.Second,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
