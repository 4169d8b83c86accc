// Command orchestrator runs the agent-orchestrator process: HTTP surface
// for brief submission and status, health/readiness probes, and a pull-style
// Prometheus endpoint alongside OTLP push metrics/traces.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/swarmguard/agent-orchestrator/internal/decomposer"
	"github.com/swarmguard/agent-orchestrator/internal/hierarchy"
	"github.com/swarmguard/agent-orchestrator/internal/logging"
	"github.com/swarmguard/agent-orchestrator/internal/orchestrator"
	"github.com/swarmguard/agent-orchestrator/internal/telemetry"
)

// heuristicPlanner is a stand-in for the external Planner collaborator. It
// splits a brief into a fixed single-subtask plan so the HTTP surface and
// executor pipeline are exercisable without a real LLM-backed planning
// service behind them.
type heuristicPlanner struct{}

func (heuristicPlanner) Plan(_ context.Context, brief string, constraints decomposer.Constraints) (decomposer.Plan, error) {
	caps := []string{"general"}
	if len(constraints.KnownCapabilities) > 0 {
		caps = constraints.KnownCapabilities[:1]
	}
	return decomposer.Plan{
		Subtasks: []decomposer.CandidateSubtask{
			{
				Title:            "handle brief",
				Description:      brief,
				Capabilities:     caps,
				EstimatedMinutes: 30,
			},
		},
	}, nil
}

func main() {
	service := "agent-orchestrator"
	logging.Init(service)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := telemetry.InitTracer(ctx, service)
	shutdownMetrics := telemetry.InitMetrics(ctx, service)
	gauges := telemetry.NewPrometheusGauges()
	meter := telemetry.Meter()

	cfg := orchestrator.DefaultConfig()
	if path := os.Getenv("ORCH_SPILL_PATH"); path != "" {
		cfg.SpillPath = path
	}

	orch, err := orchestrator.New(cfg, heuristicPlanner{}, meter)
	if err != nil {
		slog.Error("orchestrator init failed", "error", err)
		os.Exit(1)
	}
	orch.Start(ctx)

	go reportGauges(ctx, orch, gauges)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		ok, statuses := orch.Healthy()
		writeHealth(w, ok, statuses)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		ok, statuses := orch.Ready()
		writeHealth(w, ok, statuses)
	})
	mux.Handle("/metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("/v1/briefs", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Brief    string `json:"brief"`
			Priority int    `json:"priority"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		workflowID, err := orch.Submit(r.Context(), req.Brief, req.Priority)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"workflow_id": workflowID})
	})

	mux.HandleFunc("/v1/plans", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Brief    string `json:"brief"`
			Priority int    `json:"priority"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		workflowID, err := orch.Decompose(r.Context(), req.Brief, req.Priority)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"workflow_id": workflowID})
	})

	mux.HandleFunc("/v1/plans/", func(w http.ResponseWriter, r *http.Request) {
		rest := r.URL.Path[len("/v1/plans/"):]
		id, hasExecute := strings.CutSuffix(rest, "/execute")
		if r.Method != http.MethodPost || !hasExecute || id == "" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		executionID, err := orch.Execute(id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"execution_id": executionID})
	})

	mux.HandleFunc("/v1/workflows/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/v1/workflows/"):]
		switch {
		case r.Method == http.MethodGet:
			status, ok := orch.Status(id)
			if !ok {
				http.NotFound(w, r)
				return
			}
			_ = json.NewEncoder(w).Encode(status)
		case r.Method == http.MethodDelete:
			reason := r.URL.Query().Get("reason")
			if err := orch.Cancel(id, reason); err != nil {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/v1/agents", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var spec hierarchy.Spec
		if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		id, err := orch.RegisterAgent(spec)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"agent_id": id})
	})

	mux.HandleFunc("/v1/hierarchy", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(orch.HierarchyStatus())
	})

	addr := ":8080"
	if p := os.Getenv("ORCH_HTTP_PORT"); p != "" {
		if _, err := strconv.Atoi(p); err == nil {
			addr = ":" + p
		}
	}
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()
	slog.Info("agent-orchestrator started", "addr", addr)

	<-ctx.Done()
	slog.Info("shutdown initiated")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer drainCancel()
	orch.Drain(drainCtx, "process shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	orch.Stop()
	telemetry.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	slog.Info("shutdown complete")
}

func writeHealth(w http.ResponseWriter, ok bool, statuses any) {
	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": ok, "probes": statuses})
}

// reportGauges periodically refreshes the pull-metrics gauges from the
// orchestrator's live state.
func reportGauges(ctx context.Context, orch *orchestrator.Orchestrator, gauges telemetry.PrometheusGauges) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var agents float64
			for _, t := range orch.HierarchyStatus() {
				agents += float64(t.Count)
			}
			gauges.ActiveAgents.Set(agents)
			gauges.ActiveWorkflows.Set(float64(orch.ActiveWorkflows()))
		}
	}
}
