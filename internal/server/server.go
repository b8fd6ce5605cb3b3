// Package server is the HTTP surface of the agent: thread reads plus the
// streaming /agent run endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tracklab/tracklab-agent/internal/agui"
	"github.com/tracklab/tracklab-agent/internal/run"
	"github.com/tracklab/tracklab-agent/internal/thread"
)

// Coordinator is the run layer the server fronts.
type Coordinator interface {
	GetThreadView(ctx context.Context, externalID string) (run.ThreadView, error)
	ListThreadMessages(ctx context.Context, externalID string) ([]thread.ChatMessage, error)
	ListThreads(ctx context.Context, limit int) ([]thread.Summary, error)
	Run(ctx context.Context, input agui.RunAgentInput, emit func(agui.Event) error) error
}

type Options struct {
	Logger         *slog.Logger
	ListenAddr     string
	AllowedOrigins []string
	Coordinator    Coordinator
}

type Server struct {
	log            *slog.Logger
	addr           string
	allowedOrigins []string
	coord          Coordinator

	ln  net.Listener
	srv *http.Server
}

func New(opts Options) (*Server, error) {
	if opts.Coordinator == nil {
		return nil, errors.New("missing Coordinator")
	}
	addr := strings.TrimSpace(opts.ListenAddr)
	if addr == "" {
		return nil, errors.New("missing ListenAddr")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{
		log:            logger,
		addr:           addr,
		allowedOrigins: opts.AllowedOrigins,
		coord:          opts.Coordinator,
	}, nil
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /threads", s.handleListThreads)
	mux.HandleFunc("GET /threads/{id}", s.handleGetThread)
	mux.HandleFunc("GET /threads/{id}/messages", s.handleListMessages)
	mux.HandleFunc("POST /agent", s.handleAgent)
	return s.cors(mux)
}

func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if s.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("agent server stopped", "error", err)
		}
	}()

	s.log.Info("agent listening", "addr", s.addr)
	return nil
}

func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	if s.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(ctx)
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.srv = nil
	s.ln = nil
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string {
	if s == nil || s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if strings.EqualFold(strings.TrimSpace(allowed), origin) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResp struct {
	Error string `json:"error"`
}

type threadSummaryResp struct {
	ThreadID     string `json:"thread_id"`
	Title        string `json:"title"`
	MessageCount int    `json:"message_count"`
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	out, err := s.coord.ListThreads(r.Context(), 0)
	if err != nil {
		s.log.Error("list threads failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResp{Error: "internal error"})
		return
	}
	resp := make([]threadSummaryResp, 0, len(out))
	for _, sm := range out {
		resp = append(resp, threadSummaryResp{
			ThreadID:     sm.ID,
			Title:        sm.Title,
			MessageCount: sm.MessageCount,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	view, err := s.coord.GetThreadView(r.Context(), id)
	if err != nil {
		if errors.Is(err, run.ErrInvalidInput) {
			writeJSON(w, http.StatusBadRequest, errorResp{Error: err.Error()})
			return
		}
		s.log.Error("get thread failed", "thread_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResp{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	msgs, err := s.coord.ListThreadMessages(r.Context(), id)
	if err != nil {
		if errors.Is(err, run.ErrInvalidInput) {
			writeJSON(w, http.StatusBadRequest, errorResp{Error: err.Error()})
			return
		}
		s.log.Error("list messages failed", "thread_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResp{Error: "internal error"})
		return
	}
	if msgs == nil {
		msgs = []thread.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// handleAgent validates the payload, then switches the response into a
// streaming body. Validation failures are plain 400 JSON; once streaming has
// begun, failures surface as RUN_ERROR events on the stream instead.
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 8<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "unreadable body"})
		return
	}
	var input agui.RunAgentInput
	if err := json.Unmarshal(body, &input); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid JSON body"})
		return
	}
	if err := input.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}

	contentType := agui.NegotiateContentType(r.Header.Get("Accept"))
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	ew := agui.NewEventWriter(w, contentType)

	if err := s.coord.Run(r.Context(), input, ew.Send); err != nil {
		// The stream already carries a RUN_ERROR event where one applies;
		// nothing more can be written at this point.
		s.log.Warn("run ended with error", "thread_id", input.ThreadID, "error", err)
	}
}
