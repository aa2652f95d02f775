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

// Package main is the entry point for the PromptGate gateway service.
//
// The gateway is a governed front door for LLM traffic that:
// - Inspects every prompt and response against the guardrail rule set
// - Authenticates projects and enforces per-project permissions and budgets
// - Rate limits clients with a sliding window and burst guard
// - Records an audit telemetry trail for every terminal outcome
//
// Usage:
//
//	./gateway
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8080)
//	JWT_SECRET - session token signing secret (required)
//	ANTHROPIC_API_KEY - provider API key (required)
//	DATABASE_URL - PostgreSQL connection string (optional)
//	GUARDRAIL_RULES_PATH - YAML rule file (default: guardrails.yaml)
//	REDIS_URL - Redis address for distributed rate limiting (optional)
package main

import (
	"promptgate/gateway/gateway"
)

func main() {
	gateway.Run()
}
