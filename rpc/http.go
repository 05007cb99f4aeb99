package rpc

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/kvkolb/kvcore/metrics"
)

// Logger is the package-level logger. A plain *log.Logger is used rather
// than a structured logging dependency - see DESIGN.md for why.
var Logger = log.New(os.Stdout, "rpc: ", log.LstdFlags)

// Handler returns srv as an http.Handler, for tests or for embedding
// behind a caller's own http.Server (e.g. with TLS or additional routes).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /rpc", loggingMiddleware(s.handleHTTP))
	mux.HandleFunc("GET /metrics", handleMetrics)
	return mux
}

func handleMetrics(w http.ResponseWriter, r *http.Request) {
	metrics.WritePrometheus(w)
}

// ListenAndServe starts an HTTP transport for srv on addr. Every request
// is a POST whose body is a gob-encoded Message; the response body is the
// gob-encoded result of srv.Handle.
func ListenAndServe(addr string, srv *Server) error {
	Logger.Printf("listening on %s", addr)
	return http.ListenAndServe(addr, srv.Handler())
}

func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusInternalServerError)
		return
	}

	var req Message
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	resp := s.Handle(&req)

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(resp); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		Logger.Printf("write response: %v", err)
	}
}

func loggingMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		Logger.Printf("%s %s took %s", r.Method, r.URL.Path, time.Since(start))
	}
}

// Client sends Messages to a Server over HTTP.
type Client struct {
	addr string
	http *http.Client
}

// NewClient creates a Client targeting a Server listening on addr (a full
// base URL, e.g. "http://localhost:8080").
func NewClient(addr string) *Client {
	return &Client{addr: addr, http: &http.Client{Timeout: 10 * time.Second}}
}

// Call sends req and decodes the response Message.
func (c *Client) Call(req *Message) (*Message, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(req); err != nil {
		return nil, fmt.Errorf("rpc: encode request: %w", err)
	}

	resp, err := c.http.Post(c.addr+"/rpc", "application/octet-stream", &buf)
	if err != nil {
		return nil, fmt.Errorf("rpc: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("rpc: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rpc: server returned %d: %s", resp.StatusCode, body)
	}

	var out Message
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&out); err != nil {
		return nil, fmt.Errorf("rpc: decode response: %w", err)
	}
	if out.Type == MsgError {
		return &out, fmt.Errorf("rpc: %s", out.Err)
	}
	return &out, nil
}
