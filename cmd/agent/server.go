package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/rebalance-agent/internal/model"
	"github.com/yourorg/rebalance-agent/internal/validation"
)

const defaultOperationLimit = 50

func (a *Agent) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", a.handleStatus)
	mux.HandleFunc("/locks", a.handleLocks)
	mux.HandleFunc("/operations", a.handleOperations)
	mux.HandleFunc("/circuit", a.handleCircuit)
	mux.HandleFunc("/intents", a.handleIntent)
	return mux
}

// handleHealth is a simple health check endpoint
func (a *Agent) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "OK",
		"version":   version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStatus provides detailed agent status information
func (a *Agent) handleStatus(w http.ResponseWriter, r *http.Request) {
	connected := make([]string, 0)
	for _, id := range a.registry.Chains() {
		connected = append(connected, id.String())
	}

	status := map[string]interface{}{
		"status":           "operational",
		"uptime":           time.Since(startTime).String(),
		"version":          version,
		"account":          a.account.Hex(),
		"read_only":        a.submitter == nil,
		"chains":           connected,
		"rebalancing":      a.rc.Global.Enabled,
		"processing_locks": a.lockStore.HeldCount(),
		"cooldowns":        a.tracker.Statuses(),
		"circuit_state":    a.circuitStates(),
		"balances":         a.balances.Snapshot(),
		"events_dropped":   a.bus.Dropped(),
	}
	if a.webhook != nil {
		status["webhook"] = a.webhook.Status()
	}
	writeJSON(w, http.StatusOK, status)
}

// handleLocks returns every known resource lock
func (a *Agent) handleLocks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.lockStore.All())
}

// handleOperations lists recent operations, or every operation in ?status=
func (a *Agent) handleOperations(w http.ResponseWriter, r *http.Request) {
	var (
		ops []model.RebalanceOperation
		err error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		ops, err = a.ops.ListByStatus(r.Context(), model.OperationStatus(status))
	} else {
		limit := defaultOperationLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, convErr := strconv.Atoi(v)
			if convErr != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = n
		}
		ops, err = a.ops.Recent(r.Context(), limit)
	}
	if err != nil {
		logrus.WithError(err).Error("Failed to list operations")
		writeError(w, http.StatusInternalServerError, "failed to list operations")
		return
	}
	writeJSON(w, http.StatusOK, ops)
}

// handleCircuit shows the price breakers and resets them on POST ?action=reset
func (a *Agent) handleCircuit(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{}
	if r.Method == http.MethodPost {
		if r.URL.Query().Get("action") != "reset" {
			writeError(w, http.StatusBadRequest, "unknown action")
			return
		}
		a.breaker.Reset()
		response["message"] = "Circuit breaker reset"
	}
	response["state"] = a.circuitStates()
	writeJSON(w, http.StatusOK, response)
}

// handleIntent evaluates a broadcast intent and returns the fill decision
func (a *Agent) handleIntent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var b validation.Broadcast
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	decision, err := a.evaluator.HandleBroadcast(r.Context(), b)
	var verr *validation.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusBadRequest, verr)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (a *Agent) circuitStates() map[string]string {
	out := make(map[string]string)
	for id, s := range a.breaker.States() {
		out[id.String()] = s.String()
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Debug("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
