package node

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/echomesh/internal/telemetry"
	"github.com/ryandielhenn/echomesh/pkg/wave"
)

const maxMessageBytes = 64 << 10

// Routes mounts the node's HTTP API on mux, each route instrumented under
// its own op label.
func (n *Node) Routes(mux *http.ServeMux) {
	mux.Handle("GET /healthz", telemetry.Instrument("healthz", http.HandlerFunc(n.Healthz)))
	mux.Handle("GET /info", telemetry.Instrument("info", http.HandlerFunc(n.Info)))
	mux.Handle("POST /connect", telemetry.Instrument("connect", http.HandlerFunc(n.ConnectPeer)))
	mux.Handle("POST /rounds", telemetry.Instrument("initiate", http.HandlerFunc(n.StartRound)))
	mux.Handle("POST /message", telemetry.Instrument("message", http.HandlerFunc(n.Message)))
	mux.Handle("PUT /value", telemetry.Instrument("value", http.HandlerFunc(n.PutValue)))
	mux.Handle("GET /rounds/{id}", telemetry.Instrument("round", http.HandlerFunc(n.GetRound)))
	mux.Handle("DELETE /rounds/{id}", telemetry.Instrument("forget", http.HandlerFunc(n.DeleteRound)))
}

// Healthz returns 200 OK to indicate the node is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes the node status with the process ID and current time.
func (n *Node) Info(w http.ResponseWriter, req *http.Request) {
	st, err := n.Status(req.Context())
	if err != nil {
		n.fail(w, err)
		return
	}
	type resp struct {
		Status
		PID int       `json:"pid"`
		Now time.Time `json:"now"`
	}
	writeJSON(w, http.StatusOK, resp{Status: st, PID: os.Getpid(), Now: time.Now()})
}

// ConnectPeer dials the node named by the peer query parameter.
func (n *Node) ConnectPeer(w http.ResponseWriter, req *http.Request) {
	peer := req.URL.Query().Get("peer")
	if peer == "" {
		http.Error(w, "missing peer", http.StatusBadRequest)
		return
	}
	if err := n.Connect(req.Context(), peer); err != nil {
		n.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// StartRound initiates a min or graph round.
func (n *Node) StartRound(w http.ResponseWriter, req *http.Request) {
	kind := wave.Kind(req.URL.Query().Get("kind"))
	round, err := n.Initiate(req.Context(), kind)
	if err != nil {
		n.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"round": round})
}

// Message floods the request body as a chat line.
func (n *Node) Message(w http.ResponseWriter, req *http.Request) {
	text, err := io.ReadAll(io.LimitReader(req.Body, maxMessageBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(text) == 0 {
		http.Error(w, "empty message", http.StatusBadRequest)
		return
	}
	round, err := n.Say(req.Context(), string(text))
	if err != nil {
		n.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"round": round})
}

// PutValue sets the local value from the n query parameter.
func (n *Node) PutValue(w http.ResponseWriter, req *http.Request) {
	v, err := strconv.ParseInt(req.URL.Query().Get("n"), 10, 64)
	if err != nil {
		http.Error(w, "invalid n", http.StatusBadRequest)
		return
	}
	if err := n.SetValue(req.Context(), v); err != nil {
		n.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetRound returns the ledger record of a finished round.
func (n *Node) GetRound(w http.ResponseWriter, req *http.Request) {
	rec, ok := n.Round(req.PathValue("id"))
	if !ok {
		http.NotFound(w, req)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// DeleteRound drops the stored result of a finished round.
func (n *Node) DeleteRound(w http.ResponseWriter, req *http.Request) {
	if !n.ForgetRound(req.PathValue("id")) {
		http.NotFound(w, req)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (n *Node) fail(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, wave.ErrUnknownKind), errors.Is(err, ErrSelf):
		code = http.StatusBadRequest
	case errors.Is(err, wave.ErrNoNeighbors):
		code = http.StatusConflict
	case errors.Is(err, ErrStopped):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		n.log.Warn("request failed", zap.Error(err))
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}
