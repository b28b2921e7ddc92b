// Package router registers all HTTP endpoints using vanilla net/http (Go 1.22+ mux).
package router

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/whisper-darkly/sniper-backend/config"
	"github.com/whisper-darkly/sniper-backend/gateway"
	"github.com/whisper-darkly/sniper-backend/monitor"
	"github.com/whisper-darkly/sniper-backend/notifier"
	"github.com/whisper-darkly/sniper-backend/tokencache"
)

// New builds and returns the application HTTP handler.
//
// Subscription endpoints are keyed by plan code — e.g.
//
//	POST /api/subscriptions          {"planCode":"24ska01","datacenters":["gra","rbx"]}
//	GET  /api/subscriptions/24ska01/history
//	DELETE /api/subscriptions/24ska01
func New(mon *monitor.Monitor, cfg *config.Global, gw *gateway.Client, nc *notifier.Client) http.Handler {
	mux := http.NewServeMux()

	// Collection
	mux.HandleFunc("GET /api/subscriptions", listSubscriptions(mon))
	mux.HandleFunc("POST /api/subscriptions", upsertSubscription(mon))
	mux.HandleFunc("DELETE /api/subscriptions", clearSubscriptions(mon))

	// Single subscription — {planCode}
	mux.HandleFunc("DELETE /api/subscriptions/{planCode}", deleteSubscription(mon))
	mux.HandleFunc("GET /api/subscriptions/{planCode}/history", getSubscriptionHistory(mon))

	// Monitor lifecycle
	mux.HandleFunc("GET /api/monitor/status", getMonitorStatus(mon))
	mux.HandleFunc("POST /api/monitor/start", startMonitor(mon))
	mux.HandleFunc("POST /api/monitor/stop", stopMonitor(mon))

	// Interactive button callbacks
	mux.HandleFunc("POST /api/monitor/callback", postCallback(mon))

	// Global config
	mux.HandleFunc("GET /api/config", getConfig(cfg))
	mux.HandleFunc("PUT /api/config", putConfig(cfg))

	// System / diagnostics
	mux.HandleFunc("GET /api/health", health(mon, gw, nc))

	return mux
}

// ---- response helpers ----

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// ---- handlers ----

func listSubscriptions(mon *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, mon.Store().Views())
	}
}

func upsertSubscription(mon *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var spec monitor.Spec
		if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		if spec.PlanCode == "" {
			writeError(w, http.StatusBadRequest, "planCode is required")
			return
		}
		sub, updated := mon.Store().Add(spec)
		code := http.StatusCreated
		if updated {
			code = http.StatusOK
		}
		writeJSON(w, code, sub.View())
	}
}

func deleteSubscription(mon *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		planCode := r.PathValue("planCode")
		if !mon.Store().Remove(planCode) {
			writeError(w, http.StatusNotFound, "no subscription for plan "+planCode)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func clearSubscriptions(mon *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := mon.Store().Clear()
		writeJSON(w, http.StatusOK, map[string]int{"removed": n})
	}
}

func getSubscriptionHistory(mon *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		planCode := r.PathValue("planCode")
		history, ok := mon.Store().History(planCode)
		if !ok {
			writeError(w, http.StatusNotFound, "no subscription for plan "+planCode)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"planCode": planCode,
			"history":  history,
		})
	}
}

func getMonitorStatus(mon *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, mon.State())
	}
}

func startMonitor(mon *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !mon.Start() {
			writeError(w, http.StatusConflict, "monitor is already running")
			return
		}
		writeJSON(w, http.StatusOK, mon.State())
	}
}

func stopMonitor(mon *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !mon.Stop() {
			writeError(w, http.StatusConflict, "monitor is not running")
			return
		}
		writeJSON(w, http.StatusOK, mon.State())
	}
}

func postCallback(mon *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Data string `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		if body.Data == "" {
			writeError(w, http.StatusBadRequest, "data is required")
			return
		}
		if err := mon.HandleCallback(r.Context(), body.Data); err != nil {
			if errors.Is(err, tokencache.ErrNotFound) {
				writeError(w, http.StatusGone, "order token expired or already used")
				return
			}
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ordered"})
	}
}

func getConfig(cfg *config.Global) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, cfg.Get())
	}
}

func putConfig(cfg *config.Global) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var d config.Data
		if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		if err := cfg.Set(d); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, cfg.Get())
	}
}

func health(mon *monitor.Monitor, gw *gateway.Client, nc *notifier.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connected := nc != nil && nc.IsConnected()
		state := mon.State()

		code := http.StatusOK
		if !connected {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{
			"status":           statusStr(connected),
			"bridge_connected": connected,
			"monitor":          state,
			"gateway":          gw.GetStats(),
		})
	}
}

func statusStr(connected bool) string {
	if connected {
		return "ok"
	}
	return "bridge_disconnected"
}
