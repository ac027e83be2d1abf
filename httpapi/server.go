// Package httpapi exposes a bus instance over HTTP: the message resource
// receiving wire deliveries, the per-topic subscriber resource, and
// read-only topic and journal views.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nickmkk/Platibus/journal"
	"github.com/nickmkk/Platibus/message"
	"github.com/nickmkk/Platibus/security"
	"github.com/nickmkk/Platibus/subscription"
)

// MessageHandler accepts one inbound message. A nil return acknowledges the
// message; any error reports it unacknowledged.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg message.Message, principal *security.Principal) error
}

// MessageHandlerFunc adapts a function to MessageHandler.
type MessageHandlerFunc func(ctx context.Context, msg message.Message, principal *security.Principal) error

// HandleMessage implements MessageHandler.
func (f MessageHandlerFunc) HandleMessage(ctx context.Context, msg message.Message, principal *security.Principal) error {
	return f(ctx, msg, principal)
}

// hopHeaders are transport-level HTTP headers that are never message
// headers.
var hopHeaders = map[string]struct{}{
	"host":              {},
	"connection":        {},
	"content-length":    {},
	"transfer-encoding": {},
	"accept":            {},
	"accept-encoding":   {},
	"user-agent":        {},
	"authorization":     {},
}

// defaultJournalPageSize bounds GET /journal responses when the caller does
// not say how many entries it wants.
const defaultJournalPageSize = 100

// Server is the HTTP surface of one bus instance. Registry, journal, and
// token service are each optional; routes backed by an absent dependency
// respond 404.
type Server struct {
	handler  MessageHandler
	registry *subscription.Registry
	journal  journal.Journal
	tokens   security.TokenService
	logger   *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithRegistry supplies the subscription registry behind the subscriber and
// topic resources.
func WithRegistry(registry *subscription.Registry) ServerOption {
	return func(s *Server) { s.registry = registry }
}

// WithJournal supplies the journal behind GET /journal.
func WithJournal(j journal.Journal) ServerOption {
	return func(s *Server) { s.journal = j }
}

// WithTokenService supplies the service validating inbound SecurityToken
// headers.
func WithTokenService(tokens security.TokenService) ServerOption {
	return func(s *Server) { s.tokens = tokens }
}

// WithLogger supplies the structured logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates the HTTP surface delivering inbound messages to
// handler.
func NewServer(handler MessageHandler, opts ...ServerOption) *Server {
	s := &Server{
		handler: handler,
		tokens:  security.NoopTokenService{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "httpapi")
	return s
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/message/{messageId}", s.postMessage)
	if s.registry != nil {
		r.Post("/topic/{topic}/subscriber", s.postSubscriber)
		r.Delete("/topic/{topic}/subscriber", s.deleteSubscriber)
		r.Get("/topic", s.getTopics)
	}
	if s.journal != nil {
		r.Get("/journal", s.getJournal)
	}
	return r
}

// postMessage accepts one wire delivery. 202 when a handler acknowledged
// the message, 422 when none did, 400 on a malformed request, 401 on a bad
// security token.
func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	pathID, err := url.PathUnescape(chi.URLParam(r, "messageId"))
	if err != nil || pathID == "" {
		http.Error(w, "invalid message id", http.StatusBadRequest)
		return
	}

	headers := message.NewHeaders()
	for name, values := range r.Header {
		if _, hop := hopHeaders[strings.ToLower(name)]; hop || len(values) == 0 {
			continue
		}
		headers.Set(name, values[0])
	}
	switch headerID := headers.MessageID(); {
	case headerID == "":
		headers.SetMessageID(pathID)
	case headerID != pathID:
		http.Error(w, "message id in path does not match MessageId header", http.StatusBadRequest)
		return
	}

	principal, err := s.tokens.Validate(r.Context(), headers.SecurityToken())
	if err != nil {
		s.logger.Warn("rejecting message with invalid security token",
			"messageId", pathID, "error", err)
		http.Error(w, "invalid security token", http.StatusUnauthorized)
		return
	}
	headers.SetSecurityToken("")
	if headers.Received().IsZero() {
		headers.SetReceived(time.Now())
	}

	content, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "reading request body", http.StatusBadRequest)
		return
	}

	msg := message.New(headers, content)
	if err := s.handler.HandleMessage(r.Context(), msg, principal); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			http.Error(w, "handler interrupted", http.StatusInternalServerError)
			return
		}
		s.logger.Debug("message not acknowledged", "messageId", msg.ID(), "error", err)
		http.Error(w, "message not acknowledged", http.StatusUnprocessableEntity)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) postSubscriber(w http.ResponseWriter, r *http.Request) {
	topic, err := url.PathUnescape(chi.URLParam(r, "topic"))
	if err != nil || topic == "" {
		http.Error(w, "invalid topic", http.StatusBadRequest)
		return
	}
	uri := r.URL.Query().Get("uri")
	if uri == "" {
		http.Error(w, "uri query parameter is required", http.StatusBadRequest)
		return
	}
	var ttl time.Duration
	if raw := r.URL.Query().Get("ttl"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds < 0 {
			http.Error(w, "ttl must be a non-negative number of seconds", http.StatusBadRequest)
			return
		}
		ttl = time.Duration(seconds) * time.Second
	}
	if err := s.registry.Add(r.Context(), topic, uri, ttl); err != nil {
		s.logger.Error("failed to store subscription", "topic", topic, "subscriber", uri, "error", err)
		http.Error(w, "failed to store subscription", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) deleteSubscriber(w http.ResponseWriter, r *http.Request) {
	topic, err := url.PathUnescape(chi.URLParam(r, "topic"))
	if err != nil || topic == "" {
		http.Error(w, "invalid topic", http.StatusBadRequest)
		return
	}
	uri := r.URL.Query().Get("uri")
	if uri == "" {
		http.Error(w, "uri query parameter is required", http.StatusBadRequest)
		return
	}
	if err := s.registry.Remove(r.Context(), topic, uri); err != nil {
		s.logger.Error("failed to delete subscription", "topic", topic, "subscriber", uri, "error", err)
		http.Error(w, "failed to delete subscription", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) getTopics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.logger, topicsResponse{Topics: s.registry.Topics()})
}

func (s *Server) getJournal(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	start, err := s.journal.Beginning(r.Context())
	if err != nil {
		s.logger.Error("failed to read journal beginning", "error", err)
		http.Error(w, "failed to read journal", http.StatusInternalServerError)
		return
	}
	if raw := query.Get("start"); raw != "" {
		start, err = journal.ParsePosition(raw)
		if err != nil {
			http.Error(w, "invalid start position", http.StatusBadRequest)
			return
		}
	}
	count := defaultJournalPageSize
	if raw := query.Get("count"); raw != "" {
		count, err = strconv.Atoi(raw)
		if err != nil || count <= 0 {
			http.Error(w, "count must be a positive number", http.StatusBadRequest)
			return
		}
	}
	var filter *journal.Filter
	if categories, topics := query.Get("categories"), query.Get("topics"); categories != "" || topics != "" {
		filter = &journal.Filter{}
		for _, c := range splitParam(categories) {
			filter.Categories = append(filter.Categories, journal.Category(c))
		}
		filter.Topics = splitParam(topics)
	}

	result, err := s.journal.Read(r.Context(), start, count, filter)
	if err != nil {
		s.logger.Error("failed to read journal", "error", err)
		http.Error(w, "failed to read journal", http.StatusInternalServerError)
		return
	}

	resp := journalResponse{
		Start:        start.String(),
		Next:         result.Next.String(),
		EndOfJournal: result.EndOfJournal,
		Entries:      make([]journalEntry, 0, len(result.Entries)),
	}
	for _, entry := range result.Entries {
		headers := entry.Message.Headers()
		je := journalEntry{
			Position:  entry.Position.String(),
			Timestamp: entry.Timestamp.UTC().Format(time.RFC3339Nano),
			Category:  string(entry.Category),
			Headers:   make(map[string]string, headers.Len()),
			Content:   string(entry.Message.Content()),
		}
		for _, name := range headers.Names() {
			je.Headers[name] = headers.Get(name)
		}
		resp.Entries = append(resp.Entries, je)
	}
	writeJSON(w, s.logger, resp)
}

type topicsResponse struct {
	Topics []string `json:"topics"`
}

type journalResponse struct {
	Start        string         `json:"start"`
	Next         string         `json:"next"`
	EndOfJournal bool           `json:"endOfJournal"`
	Entries      []journalEntry `json:"entries"`
}

type journalEntry struct {
	Position  string            `json:"position"`
	Timestamp string            `json:"timestamp"`
	Category  string            `json:"category"`
	Headers   map[string]string `json:"headers"`
	Content   string            `json:"content,omitempty"`
}

func splitParam(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}
