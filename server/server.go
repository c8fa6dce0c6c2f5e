package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	coretypes "github.com/cometbft/cometbft/rpc/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ahmadzakiakmal/custody/gateway"
	service_registry "github.com/ahmadzakiakmal/custody/srvreg"
)

// LedgerInfo reports the ledger application's committed state. The CometBFT
// RPC clients and app.LocalClient satisfy it.
type LedgerInfo interface {
	ABCIInfo(ctx context.Context) (*coretypes.ResultABCIInfo, error)
}

// WebServer handles HTTP requests
type WebServer struct {
	httpAddr        string
	server          *http.Server
	logger          cmtlog.Logger
	startTime       time.Time
	serviceRegistry *service_registry.ServiceRegistry
	ledger          LedgerInfo
	mode            string
}

// NewWebServer creates a new web server. gatherer backs /metrics; ledger
// backs /debug and may additionally implement gateway.StatusClient.
func NewWebServer(
	httpPort string,
	mode string,
	ledger LedgerInfo,
	serviceRegistry *service_registry.ServiceRegistry,
	gatherer prometheus.Gatherer,
	logger cmtlog.Logger,
) *WebServer {
	mux := http.NewServeMux()

	server := &WebServer{
		httpAddr: ":" + httpPort,
		server: &http.Server{
			Addr:              ":" + httpPort,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger:          logger,
		startTime:       time.Now(),
		serviceRegistry: serviceRegistry,
		ledger:          ledger,
		mode:            mode,
	}

	// Register routes
	mux.HandleFunc("/", server.handleAPI)
	mux.HandleFunc("/debug", server.handleDebug)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return server
}

// Handler exposes the routing table, mainly for tests.
func (ws *WebServer) Handler() http.Handler {
	return ws.server.Handler
}

// Start starts the web server
func (ws *WebServer) Start() error {
	ws.logger.Info("Starting web server", "addr", ws.httpAddr)
	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ws.logger.Error("web server error: ", "err", err)
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the web server
func (ws *WebServer) Shutdown(ctx context.Context) error {
	ws.logger.Info("Shutting down web server")
	return ws.server.Shutdown(ctx)
}

// handleDebug provides debugging information
func (ws *WebServer) handleDebug(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	debugInfo := map[string]interface{}{
		"ledger_mode": ws.mode,
		"uptime":      time.Since(ws.startTime).String(),
	}

	if sc, ok := ws.ledger.(gateway.StatusClient); ok {
		status, err := sc.Status(r.Context())
		if err != nil {
			debugInfo["status_error"] = err.Error()
		} else {
			debugInfo["node_id"] = string(status.NodeInfo.ID())
			debugInfo["network"] = status.NodeInfo.Network
			debugInfo["latest_block_height"] = status.SyncInfo.LatestBlockHeight
			debugInfo["latest_block_time"] = status.SyncInfo.LatestBlockTime
			debugInfo["catching_up"] = status.SyncInfo.CatchingUp
		}
	}

	abciInfo, err := ws.ledger.ABCIInfo(r.Context())
	if err != nil {
		debugInfo["abci_error"] = err.Error()
	} else {
		debugInfo["contract"] = abciInfo.Response.Data
		debugInfo["app_version"] = abciInfo.Response.AppVersion
		debugInfo["last_block_height"] = abciInfo.Response.LastBlockHeight
		debugInfo["last_block_app_hash"] = fmt.Sprintf("%X", abciInfo.Response.LastBlockAppHash)
	}

	w.Header().Set("Content-Type", "application/json")
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(debugInfo); err != nil {
		JSONError(w, "Error encoding response: "+err.Error(), http.StatusInternalServerError)
		return
	}
}

// handleAPI dispatches every other path through the service registry
func (ws *WebServer) handleAPI(w http.ResponseWriter, r *http.Request) {
	requestID, err := generateRequestID()
	if err != nil {
		JSONError(w, "Internal Server Error", http.StatusInternalServerError)
		ws.logger.Error("Failed to generate request ID", "err", err)
		return
	}

	request, err := service_registry.ConvertHttpRequest(r, requestID)
	if err != nil {
		JSONError(w, "Failed to convert request: "+err.Error(), http.StatusUnprocessableEntity)
		ws.logger.Error("Failed to convert HTTP request", "err", err)
		return
	}

	response, err := request.GenerateResponse(ws.serviceRegistry)
	if err != nil {
		JSONError(w, "Failed to generate response: "+err.Error(), http.StatusInternalServerError)
		ws.logger.Error("Failed to generate response", "err", err)
		return
	}

	for key, value := range response.Headers {
		w.Header().Set(key, value)
	}
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(response.StatusCode)
	if _, err := w.Write([]byte(response.Body)); err != nil {
		ws.logger.Error("Failed to write client response", "err", err)
	}

	ws.logger.Debug("Request served",
		"request_id", requestID,
		"method", request.Method,
		"path", request.Path,
		"status", response.StatusCode,
		"elapsed", time.Since(request.Timestamp),
	)
}

func generateRequestID() (string, error) {
	bytes := make([]byte, 16)
	_, err := rand.Read(bytes)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// JSONError sends a JSON formatted error response with the given status code and message
func JSONError(w http.ResponseWriter, message string, statusCode int) {
	errorResponse := struct {
		Error string `json:"error"`
	}{
		Error: message,
	}
	jsonBytes, err := json.Marshal(errorResponse)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(jsonBytes)
}
