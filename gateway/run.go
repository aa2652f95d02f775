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
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"promptgate/gateway/auth"
	"promptgate/gateway/guardrails"
	"promptgate/gateway/llm"
	"promptgate/gateway/llm/anthropic"
	"promptgate/gateway/ratelimit"
	"promptgate/gateway/shared/logger"
	"promptgate/gateway/telemetry"
)

// LocalLimiter adapts the in-memory sliding window to the context-aware
// RateLimiter interface.
type LocalLimiter struct {
	*ratelimit.Limiter
}

// Allow implements RateLimiter.
func (l LocalLimiter) Allow(_ context.Context, clientKey string) bool {
	return l.Limiter.Allow(clientKey)
}

// Server is the HTTP front of the governance pipeline.
type Server struct {
	orch     *Orchestrator
	engine   *guardrails.Engine
	provider llm.Provider
	cfg      Config
	log      *logger.Logger
	started  time.Time
}

// NewServer wraps an orchestrator with the HTTP surface.
func NewServer(orch *Orchestrator, engine *guardrails.Engine, provider llm.Provider, cfg Config) *Server {
	return &Server{
		orch:     orch,
		engine:   engine,
		provider: provider,
		cfg:      cfg,
		log:      logger.New("gateway-http"),
		started:  time.Now(),
	}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	// CORS middleware
	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	// Health and metrics
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Main governed invocation endpoint
	r.HandleFunc("/api/v1/invoke", s.invokeHandler).Methods("POST")

	// Guardrail administration
	r.HandleFunc("/api/v1/guardrails", s.listRulesHandler).Methods("GET")
	r.HandleFunc("/api/v1/guardrails/reload", s.reloadRulesHandler).Methods("POST")

	return c.Handler(r)
}

// invokeRequest is the wire shape of POST /api/v1/invoke.
type invokeRequest struct {
	RequestID        string            `json:"request_id,omitempty"`
	Operation        string            `json:"operation"`
	Model            string            `json:"model,omitempty"`
	Payload          json.RawMessage   `json:"payload"`
	ProjectID        string            `json:"project_id,omitempty"`
	CustomGuardrails []guardrails.Rule `json:"custom_guardrails,omitempty"`
}

func (s *Server) invokeHandler(w http.ResponseWriter, r *http.Request) {
	var req invokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "request body is not valid JSON")
		return
	}

	payload, err := ParsePayload(req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}

	model := req.Model
	if model == "" {
		model = s.cfg.DefaultModel
	}

	govReq := GovernanceRequest{
		RequestID:   req.RequestID,
		Operation:   Operation(req.Operation),
		Model:       model,
		Payload:     payload,
		ProjectID:   req.ProjectID,
		Credential:  bearerToken(r),
		ClientKey:   clientKey(r),
		CustomRules: req.CustomGuardrails,
	}

	result, err := s.orch.Invoke(r.Context(), govReq)
	if err != nil {
		// Only the fail-secure gate and success-path telemetry loss
		// reach here; both refuse the response entirely.
		s.log.ErrorWithErr(req.ProjectID, req.RequestID, "invoke aborted", err, nil)
		writeError(w, http.StatusServiceUnavailable, CodeInternal, err.Error())
		return
	}

	writeJSON(w, statusForResult(result), result)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":         "healthy",
		"engine_ready":   s.engine.Ready(),
		"rule_count":     len(s.engine.Rules()),
		"provider":       s.provider.Name(),
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}
	if !s.engine.Ready() {
		health["status"] = "degraded"
		writeJSON(w, http.StatusServiceUnavailable, health)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) listRulesHandler(w http.ResponseWriter, r *http.Request) {
	rules := s.engine.Rules()
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(rules),
		"rules": rules,
	})
}

func (s *Server) reloadRulesHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Reload(r.Context()); err != nil {
		// Reload failure keeps the previous snapshot; the engine never
		// serves with fewer protections than before.
		writeError(w, http.StatusConflict, CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reloaded":   true,
		"rule_count": len(s.engine.Rules()),
	})
}

// statusForResult maps a governance outcome onto an HTTP status.
func statusForResult(result *GovernanceResult) int {
	if result.Success {
		return http.StatusOK
	}
	switch result.ErrorCode {
	case CodeAuthentication:
		return http.StatusUnauthorized
	case CodeAuthorization, CodeGuardrailViolation, CodeBudgetExceeded:
		return http.StatusForbidden
	case CodeValidation:
		return http.StatusBadRequest
	case CodeRateLimit, CodeProviderQuota:
		return http.StatusTooManyRequests
	case CodeProviderAuth, CodeProviderError, CodeProviderNotFound:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// bearerToken extracts the credential from the Authorization header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// clientKey identifies the caller for rate limiting: first hop of
// X-Forwarded-For when present, else the remote address.
func clientKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":      message,
		"error_code": code,
	})
}

// Run is the exported entry point for the gateway service.
//
// It initializes all components (rule store, guardrail engine, session
// manager, rate limiter, telemetry sinks, provider), sets up HTTP routes,
// and starts the server. The function blocks until the server is shut down.
func Run() {
	log.Println("Starting PromptGate gateway...")

	cfg := LoadConfig()
	ctx := context.Background()

	// Fail secure: a gateway without a signing secret or a rule source
	// must not start.
	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}
	if cfg.AnthropicKey == "" {
		log.Fatal("ANTHROPIC_API_KEY is required")
	}

	provider, err := anthropic.NewProvider(anthropic.Config{
		APIKey: cfg.AnthropicKey,
		Model:  cfg.DefaultModel,
	})
	if err != nil {
		log.Fatalf("Failed to initialize provider: %v", err)
	}

	// Rule store: Postgres when a database is configured, YAML file
	// otherwise.
	var ruleStore guardrails.Store
	if cfg.DatabaseURL != "" {
		pgStore, err := guardrails.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to initialize rule store: %v", err)
		}
		ruleStore = pgStore
		log.Println("Guardrail rules: PostgreSQL store")
	} else {
		ruleStore = guardrails.NewFileStore(cfg.GuardrailRules)
		log.Printf("Guardrail rules: file store (%s)", cfg.GuardrailRules)
	}

	engine, err := guardrails.NewEngine(ctx, ruleStore,
		guardrails.WithAdjudicator(guardrails.NewModelAdjudicator(provider, cfg.DefaultModel)),
	)
	if err != nil {
		// An empty or broken rule set refuses all traffic by refusing
		// to start at all.
		log.Fatalf("Failed to initialize guardrail engine: %v", err)
	}
	log.Printf("Guardrail engine ready with %d rules", len(engine.Rules()))

	var clientStore auth.ClientStore
	if cfg.DatabaseURL != "" {
		pgClients, err := auth.NewPostgresClientStore(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to initialize client store: %v", err)
		}
		clientStore = pgClients
	} else {
		log.Println("No DATABASE_URL: using empty in-memory client store")
		clientStore = auth.NewMemoryClientStore()
	}

	sessions, err := auth.NewSessionManager(clientStore, []byte(cfg.JWTSecret),
		auth.WithSessionTTL(cfg.SessionTTL),
	)
	if err != nil {
		log.Fatalf("Failed to initialize session manager: %v", err)
	}
	sessions.StartSweeper()
	defer sessions.StopSweeper()

	var limiter RateLimiter
	if cfg.RedisURL != "" {
		redisLimiter, err := ratelimit.NewRedisLimiter(cfg.RedisURL, cfg.RateWindow, cfg.RateLimit)
		if err != nil {
			log.Fatalf("Failed to initialize Redis rate limiter: %v", err)
		}
		limiter = redisLimiter
		log.Println("Rate limiting: Redis sliding window")
	} else {
		local := ratelimit.New(ratelimit.Config{
			Window: cfg.RateWindow,
			Limit:  cfg.RateLimit,
			Burst:  cfg.RateBurst,
		})
		local.StartSweeper()
		defer local.StopSweeper()
		limiter = LocalLimiter{local}
		log.Println("Rate limiting: in-memory sliding window")
	}

	sink, closers, err := buildSinks(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize telemetry: %v", err)
	}
	defer func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				log.Printf("Telemetry close error: %v", err)
			}
		}
	}()

	orch, err := NewOrchestrator(engine, ruleStore, sessions, limiter, provider, sink, OrchestratorConfig{
		DefaultProject: cfg.DefaultProject,
		EnforceBudget:  cfg.EnforceBudget,
		CostPerToken:   cfg.CostPerToken,
	})
	if err != nil {
		log.Fatalf("Failed to initialize orchestrator: %v", err)
	}

	server := NewServer(orch, engine, provider, cfg)
	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 180 * time.Second,
	}

	go func() {
		log.Printf("PromptGate gateway listening on port %s", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}

// buildSinks assembles the telemetry fan-out from configuration: Postgres
// when a database is configured, Pub/Sub when a topic is configured, and the
// JSONL file as the always-available fallback.
func buildSinks(ctx context.Context, cfg Config) (telemetry.Sink, []interface{ Close() error }, error) {
	var sinks []telemetry.Sink
	var closers []interface{ Close() error }

	if cfg.DatabaseURL != "" {
		pgSink, err := telemetry.NewPostgresSink(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres sink: %w", err)
		}
		sinks = append(sinks, pgSink)
		closers = append(closers, pgSink)
		log.Println("Telemetry: PostgreSQL sink")
	}

	if cfg.PubSubProjectID != "" {
		psSink, err := telemetry.NewPubSubSink(ctx, cfg.PubSubProjectID, cfg.PubSubTopic)
		if err != nil {
			return nil, nil, fmt.Errorf("pubsub sink: %w", err)
		}
		sinks = append(sinks, psSink)
		closers = append(closers, psSink)
		log.Printf("Telemetry: Pub/Sub sink (topic %s)", cfg.PubSubTopic)
	}

	if len(sinks) == 0 {
		fileSink, err := telemetry.NewFileSink(cfg.TelemetryPath)
		if err != nil {
			return nil, nil, fmt.Errorf("file sink: %w", err)
		}
		sinks = append(sinks, fileSink)
		closers = append(closers, fileSink)
		log.Printf("Telemetry: JSONL file sink (%s)", cfg.TelemetryPath)
	}

	if len(sinks) == 1 {
		return sinks[0], closers, nil
	}
	return telemetry.NewMultiSink(sinks...), closers, nil
}
