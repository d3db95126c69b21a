package backend

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/portside/portside/internal/buildinfo"
)

// fibonacciLimit caps the naive recursive computation; anything larger
// would hold a request handler for minutes.
const fibonacciLimit = 40

type rootResponse struct {
	Message string `json:"message"`
	Status  string `json:"status"`
	Mode    string `json:"mode"`
	Version string `json:"version"`
}

type healthResponse struct {
	Status string `json:"status"`
	Mode   string `json:"mode"`
}

type portInfoResponse struct {
	Port      int    `json:"port"`
	Mode      string `json:"mode"`
	Available bool   `json:"available"`
}

type connectResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Host    string `json:"host"`
}

type fibonacciRequest struct {
	Number int `json:"number"`
}

type fibonacciResponse struct {
	Success         bool   `json:"success"`
	Input           int    `json:"input"`
	Result          uint64 `json:"result"`
	CalculationTime string `json:"calculation_time"`
}

type streamItem struct {
	Count   int    `json:"count"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, rootResponse{
		Message: "portside backend",
		Status:  "running",
		Mode:    s.opts.Mode,
		Version: buildinfo.Version,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "healthy", Mode: s.opts.Mode})
}

func (s *Server) handlePortInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, portInfoResponse{Port: s.port, Mode: s.opts.Mode, Available: true})
}

func (s *Server) handleConnect(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, connectResponse{
		Success: true,
		Message: "Connected to portside backend",
		Host:    s.hostPort(),
	})
}

func (s *Server) handleFibonacci(w http.ResponseWriter, r *http.Request) {
	var req fibonacciRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.Number < 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "number must be non-negative"})
		return
	}
	if req.Number > fibonacciLimit {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("number must be <= %d", fibonacciLimit)})
		return
	}
	start := time.Now()
	result := fib(req.Number)
	writeJSON(w, http.StatusOK, fibonacciResponse{
		Success:         true,
		Input:           req.Number,
		Result:          result,
		CalculationTime: fmt.Sprintf("%.4fs", time.Since(start).Seconds()),
	})
}

// handleStream emits newline-delimited JSON items, flushing each line and
// checking for client cancellation between items.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	enc := json.NewEncoder(w)
	for i := 1; i <= s.opts.StreamCount; i++ {
		select {
		case <-r.Context().Done():
			return
		default:
		}
		if err := enc.Encode(streamItem{Count: i, Message: fmt.Sprintf("Streaming item %d", i)}); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		if i < s.opts.StreamCount {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(s.opts.StreamInterval):
			}
		}
	}
}

func fib(n int) uint64 {
	if n <= 1 {
		return uint64(n)
	}
	return fib(n-1) + fib(n-2)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
