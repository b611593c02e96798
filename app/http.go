package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/JiscSD/rdss-dataverse-ingest/blocking"
)

// targetAdmin blocks and unblocks targets on behalf of an operator.
type targetAdmin interface {
	Block(ctx context.Context, target, reason string) error
	Unblock(ctx context.Context, target string) error
	Blocked(ctx context.Context) ([]blocking.Entry, error)
}

func newRouter(logger logrus.FieldLogger, admin targetAdmin) *mux.Router {
	router := mux.NewRouter()

	// Health check.
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})

	// Prometheus metrics.
	router.Handle("/metrics", promhttp.Handler())

	// Profiling data.
	router.HandleFunc("/debug/pprof/", pprof.Index)
	router.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	router.HandleFunc("/debug/pprof/profile", pprof.Profile)
	router.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	router.HandleFunc("/debug/pprof/trace", pprof.Trace)
	router.Handle("/debug/pprof/block", pprof.Handler("block"))
	router.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	router.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	router.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))

	// Blocked targets. Targets are DOIs or uuids, DOIs contain slashes.
	h := &targetsHandler{logger: logger, admin: admin}
	router.HandleFunc("/targets", h.list).Methods(http.MethodGet)
	router.HandleFunc("/targets/{target:.+}", h.get).Methods(http.MethodGet)
	router.HandleFunc("/targets/{target:.+}", h.block).Methods(http.MethodPut)
	router.HandleFunc("/targets/{target:.+}", h.unblock).Methods(http.MethodDelete)

	return router
}

type targetsHandler struct {
	logger logrus.FieldLogger
	admin  targetAdmin
}

func (h *targetsHandler) list(w http.ResponseWriter, r *http.Request) {
	entries, err := h.admin.Blocked(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to list targets: %v", err), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []blocking.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *targetsHandler) get(w http.ResponseWriter, r *http.Request) {
	target := mux.Vars(r)["target"]
	entries, err := h.admin.Blocked(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to list targets: %v", err), http.StatusInternalServerError)
		return
	}
	for _, e := range entries {
		if e.Target == target {
			writeJSON(w, http.StatusOK, e)
			return
		}
	}
	http.Error(w, "target not blocked", http.StatusNotFound)
}

type blockRequest struct {
	Reason string `json:"reason"`
}

func (h *targetsHandler) block(w http.ResponseWriter, r *http.Request) {
	target := mux.Vars(r)["target"]
	req := blockRequest{}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
			return
		}
	}
	err := h.admin.Block(r.Context(), target, req.Reason)
	var already *blocking.TargetAlreadyBlockedError
	switch {
	case errors.As(err, &already):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		http.Error(w, fmt.Sprintf("failed to block target: %v", err), http.StatusInternalServerError)
		return
	}
	h.logger.WithField("target", target).Info("Target blocked by operator.")
	w.WriteHeader(http.StatusCreated)
}

func (h *targetsHandler) unblock(w http.ResponseWriter, r *http.Request) {
	target := mux.Vars(r)["target"]
	err := h.admin.Unblock(r.Context(), target)
	var notFound *blocking.TargetNotFoundError
	switch {
	case errors.As(err, &notFound):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, fmt.Sprintf("failed to unblock target: %v", err), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
