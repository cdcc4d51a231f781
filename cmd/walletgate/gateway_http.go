package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blokista/walletgate/pkg/config"
	"github.com/blokista/walletgate/pkg/gateway"
	"github.com/blokista/walletgate/pkg/logger"
	"github.com/blokista/walletgate/pkg/queue"
	"github.com/blokista/walletgate/pkg/vault"
	"github.com/blokista/walletgate/pkg/wallet"
	wc "github.com/blokista/walletgate/pkg/walletconnect"
)

const maxBodyBytes = 64 << 10

type apiServer struct {
	gw *gateway.Gateway
}

// newGatewayMux builds the local control API.
func newGatewayMux(gw *gateway.Gateway, gatherer prometheus.Gatherer, health healthcheck.Handler) *http.ServeMux {
	api := &apiServer{gw: gw}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /live", health.LiveEndpoint)
	mux.HandleFunc("GET /ready", health.ReadyEndpoint)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("POST /pair", api.pair)
	mux.HandleFunc("GET /pending", api.pending)
	mux.HandleFunc("POST /pending/approve", api.approve)
	mux.HandleFunc("POST /pending/reject", api.reject)
	mux.HandleFunc("POST /pending/dismiss", api.dismiss)
	mux.HandleFunc("GET /sessions", api.sessions)
	mux.HandleFunc("DELETE /sessions/{topic}", api.disconnect)
	mux.HandleFunc("POST /secrets/reveal", api.reveal)
	mux.HandleFunc("GET /wallets", api.wallets)
	mux.HandleFunc("POST /wallets/switch", api.switchWallet)
	return mux
}

// setupGatewayHTTP creates the HTTP server for the gateway API endpoints
func setupGatewayHTTP(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func (a *apiServer) pair(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URI string `json:"uri"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	u, err := a.gw.Pair(r.Context(), req.URI)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"topic":  u.Topic,
		"expiry": u.Expiry,
	})
}

func (a *apiServer) pending(w http.ResponseWriter, r *http.Request) {
	view, err := a.gw.Head(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *apiServer) approve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PIN string `json:"pin"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	out, err := a.gw.ApproveHead(r.Context(), req.PIN)
	if err != nil {
		writeError(w, err)
		return
	}
	logger.InfoCF("http", "Pending item approved", map[string]any{
		"kind": out.Kind,
		"id":   out.ID,
	})
	writeJSON(w, http.StatusOK, out)
}

func (a *apiServer) reject(w http.ResponseWriter, r *http.Request) {
	if err := a.gw.RejectHead(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

func (a *apiServer) dismiss(w http.ResponseWriter, r *http.Request) {
	if err := a.gw.DismissHead(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "dismissed"})
}

func (a *apiServer) sessions(w http.ResponseWriter, r *http.Request) {
	list, err := a.gw.Sessions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []wc.SessionView{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *apiServer) disconnect(w http.ResponseWriter, r *http.Request) {
	if err := a.gw.Disconnect(r.Context(), r.PathValue("topic")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

func (a *apiServer) reveal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PIN      string `json:"pin"`
		Kind     string `json:"kind"`
		WalletID string `json:"wallet_id"`
		Field    string `json:"field"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	kind, err := vault.ParseActionKind(req.Kind)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	secret, err := a.gw.RevealSecret(r.Context(), req.PIN, vault.Action{
		Kind:     kind,
		WalletID: req.WalletID,
		Field:    vault.SecretField(req.Field),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	if kind == vault.CopySecret {
		writeJSON(w, http.StatusOK, map[string]string{"status": "copied"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"secret": secret})
}

func (a *apiServer) wallets(w http.ResponseWriter, r *http.Request) {
	list, err := a.gw.ListWallets(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []wallet.Info{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *apiServer) switchWallet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := a.gw.SwitchWallet(r.Context(), req.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "switched"})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		logger.WarnCF("http", "Invalid JSON in request", map[string]any{
			"path":  r.URL.Path,
			"error": err.Error(),
		})
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WarnCF("http", "Response encoding failed", map[string]any{"error": err.Error()})
	}
}

// statusFor maps gateway errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, gateway.ErrNothingPending),
		errors.Is(err, wc.ErrSessionNotFound),
		errors.Is(err, wc.ErrProposalNotFound),
		errors.Is(err, wallet.ErrWalletNotFound),
		errors.Is(err, wallet.ErrNoMnemonic):
		return http.StatusNotFound
	case errors.Is(err, vault.ErrLockedOut):
		return http.StatusTooManyRequests
	case errors.Is(err, vault.ErrIncorrectPin):
		return http.StatusForbidden
	case errors.Is(err, vault.ErrInvalidPinFormat),
		errors.Is(err, wc.ErrInvalidPairingURI):
		return http.StatusBadRequest
	case errors.Is(err, vault.ErrNotConfigured),
		errors.Is(err, gateway.ErrNoWallet),
		errors.Is(err, queue.ErrNotHead):
		return http.StatusConflict
	case errors.Is(err, wc.ErrUnsupportedNamespace):
		return http.StatusUnprocessableEntity
	case errors.Is(err, gateway.ErrClipboardUnavailable):
		return http.StatusNotImplemented
	case errors.Is(err, gateway.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, wc.ErrSignerFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	var locked *vault.LockedOutError
	if errors.As(err, &locked) {
		w.Header().Set("Retry-After", strconv.Itoa(locked.RemainingSeconds()))
	}
	if status >= http.StatusInternalServerError {
		logger.ErrorCF("http", "Request failed", map[string]any{"error": err.Error()})
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
