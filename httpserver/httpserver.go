/*
Package httpserver is responsible for the operator HTTP API of a node: its status, starting a round and the Prometheus metrics
*/
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"synod/cluster"
)

// MaxValueSize bounds the body of PUT /start
const MaxValueSize = 1 << 20

// Node is the part of cluster.Node the API drives
type Node interface {
	Status() cluster.Status
	Trigger(ctx context.Context, value []byte) error
}

type StartResponse struct {
	cluster.Status
	// SendError reports peers the round could not reach, the round is running regardless
	SendError string `json:"send_error,omitempty"`
}

// New builds the server, the caller runs ListenAndServe
func New(addr string, node Node, gatherer prometheus.Gatherer) *http.Server {
	return &http.Server{Addr: addr, Handler: NewHandler(node, gatherer)}
}

func NewHandler(node Node, gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(writer http.ResponseWriter, request *http.Request) { handleStatus(writer, request, node) })
	mux.HandleFunc("PUT /start", func(writer http.ResponseWriter, request *http.Request) { handleStart(writer, request, node) })
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}

// HTTP GET /status endpoint, returns the node's role and protocol state
func handleStatus(writer http.ResponseWriter, request *http.Request, node Node) {
	slog.Debug("Received HTTP GET", slog.String("url", request.URL.String()))
	writeJSON(writer, http.StatusOK, node.Status())
}

// HTTP PUT /start endpoint, starts a round proposing the request body.
// Only proposers accept it, a decided proposer keeps its decision.
func handleStart(writer http.ResponseWriter, request *http.Request, node Node) {
	slog.Info("Received HTTP PUT", slog.String("url", request.URL.String()))
	value, err := io.ReadAll(http.MaxBytesReader(writer, request.Body, MaxValueSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(writer, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(writer, err.Error(), http.StatusBadRequest)
		return
	}
	response := StartResponse{}
	// the round outlives the request, a client hanging up must not cancel the broadcast
	err = node.Trigger(context.WithoutCancel(request.Context()), value)
	switch {
	case errors.Is(err, cluster.ErrNotProposer):
		http.Error(writer, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, cluster.ErrUnbound), errors.Is(err, cluster.ErrRegistryOpen), errors.Is(err, cluster.ErrClosed):
		http.Error(writer, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		slog.Warn("Round started with send errors", slog.String("error", err.Error()))
		response.SendError = err.Error()
	}
	response.Status = node.Status()
	writeJSON(writer, http.StatusAccepted, response)
}

func writeJSON(writer http.ResponseWriter, code int, v any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(code)
	if err := json.NewEncoder(writer).Encode(v); err != nil {
		slog.Error("Error writing response", slog.String("error", err.Error()))
	}
}
