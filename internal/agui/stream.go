package agui

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
)

const (
	ContentTypeSSE    = "text/event-stream"
	ContentTypeNDJSON = "application/x-ndjson"
)

// NegotiateContentType picks the stream encoding from an Accept header.
// SSE is the default; NDJSON is opt-in for non-browser clients.
func NegotiateContentType(accept string) string {
	for _, part := range strings.Split(accept, ",") {
		mt, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(part)), ";")
		switch strings.TrimSpace(mt) {
		case ContentTypeNDJSON:
			return ContentTypeNDJSON
		case ContentTypeSSE:
			return ContentTypeSSE
		}
	}
	return ContentTypeSSE
}

// EventWriter serializes events onto an HTTP response, flushing after each
// one so the caller observes progress while the run is still going.
type EventWriter struct {
	mu  sync.Mutex
	w   io.Writer
	f   http.Flusher
	sse bool
}

// NewEventWriter wraps w with the negotiated encoding. contentType must be
// one of ContentTypeSSE or ContentTypeNDJSON.
func NewEventWriter(w http.ResponseWriter, contentType string) *EventWriter {
	var f http.Flusher
	if w != nil {
		if fl, ok := w.(http.Flusher); ok {
			f = fl
		}
	}
	return &EventWriter{w: w, f: f, sse: contentType != ContentTypeNDJSON}
}

func (s *EventWriter) Send(ev Event) error {
	if s == nil || s.w == nil {
		return errors.New("stream not ready")
	}

	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sse {
		if _, err := s.w.Write([]byte("data: ")); err != nil {
			return err
		}
	}
	if _, err := s.w.Write(b); err != nil {
		return err
	}
	suffix := []byte{'\n'}
	if s.sse {
		suffix = []byte{'\n', '\n'}
	}
	if _, err := s.w.Write(suffix); err != nil {
		return err
	}
	if s.f != nil {
		s.f.Flush()
	}
	return nil
}
