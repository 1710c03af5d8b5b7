// Package apiserver is the ambient HTTP transport spec.md §1 calls
// out of scope for internal semantics: a thin net/http handler
// exposing POST /bundles over BundleService.Add, kept deliberately
// minimal rather than grown into a graphQL or gRPC surface.
package apiserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/mantlenetworkio/bls-bundle-aggregator/aggregator"
)

// Server wraps a BundleService behind the minimal HTTP surface spec.md
// §4.7 calls for.
type Server struct {
	bundles *aggregator.BundleService
	http    *http.Server
}

// New builds a Server listening on addr, in the manner of the
// teacher's own lightweight auxiliary HTTP servers: a bare
// http.ServeMux, no middleware framework.
func New(addr string, bundles *aggregator.BundleService) *Server {
	mux := http.NewServeMux()
	s := &Server{bundles: bundles}
	mux.HandleFunc("/bundles", s.handleAddBundle)
	mux.HandleFunc("/healthz", s.handleHealthz)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving HTTP until the server is shut down.
func (s *Server) ListenAndServe() error {
	log.Info("apiserver: listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleAddBundle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req addRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	bundle := req.Bundle.toBundle()
	failures, err := s.bundles.Add(r.Context(), bundle)
	if err != nil {
		log.Warn("apiserver: Add failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := addResponse{Failures: make([]wireFailure, len(failures))}
	for i, f := range failures {
		resp.Failures[i] = wireFailure{OperationIndex: f.OperationIndex, Kind: string(f.Kind)}
	}

	status := http.StatusAccepted
	if len(failures) > 0 {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
