// Package httpserver exposes the broker's HTTP control surface: topic inspection,
// health and policy reload.
package httpserver

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/dyconit/internal/domain/errs"
	"github.com/coachpo/dyconit/internal/domain/schema"
	"github.com/coachpo/dyconit/internal/dyconit"
	"github.com/coachpo/dyconit/internal/infra/config"
)

const (
	topicsPath        = "/topics"
	topicDetailPrefix = topicsPath + "/"
	healthPath        = "/healthz"
	policyReloadPath  = "/policy/reload"
	snapshotPath      = "/snapshot"
)

// System is the dyconit system instantiation the control surface inspects.
type System = dyconit.System[string, *schema.Update]

// PolicyReloader rebuilds the active policy and reports the kind installed.
type PolicyReloader interface {
	ReloadPolicy(ctx context.Context) (config.PolicyKind, error)
}

// SessionCounter reports connected transport sessions.
type SessionCounter interface {
	Sessions() int
}

// Options wires the handler's collaborators. Only System is required.
type Options struct {
	Config   config.AppConfig
	System   *System
	Reloader PolicyReloader
	Sessions SessionCounter
	Now      func() time.Time
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	cfg      config.AppConfig
	system   *System
	reloader PolicyReloader
	sessions SessionCounter
	now      func() time.Time
	started  time.Time
}

type topicSummary struct {
	Name        string `json:"name"`
	Subscribers int    `json:"subscribers"`
}

type subscriptionDetail struct {
	Subscriber     string         `json:"subscriber"`
	Bounds         dyconit.Bounds `json:"bounds"`
	Pending        int            `json:"pending"`
	NumericalError int            `json:"numericalError"`
	LastFlush      time.Time      `json:"lastFlush"`
}

type topicDetail struct {
	Name          string               `json:"name"`
	Subscriptions []subscriptionDetail `json:"subscriptions"`
}

// NewHandler creates the control HTTP handler.
func NewHandler(opts Options) http.Handler {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	server := &httpServer{
		cfg:      opts.Config,
		system:   opts.System,
		reloader: opts.Reloader,
		sessions: opts.Sessions,
		now:      now,
		started:  now(),
	}
	mux := http.NewServeMux()

	mux.Handle(topicsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listTopics,
	}))
	mux.Handle(topicDetailPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getTopic,
	}))
	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))
	mux.Handle(policyReloadPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.reloadPolicy,
	}))
	mux.Handle(snapshotPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.snapshot,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) listTopics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"topics": s.topicSummaries()})
}

func (s *httpServer) topicSummaries() []topicSummary {
	topics := s.system.Topics()
	out := make([]topicSummary, 0, len(topics))
	for _, topic := range topics {
		out = append(out, topicSummary{Name: topic.Name(), Subscribers: topic.CountSubscribers()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *httpServer) getTopic(w http.ResponseWriter, r *http.Request) {
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, topicDetailPrefix), "/")
	if name == "" {
		writeError(w, http.StatusNotFound, "topic name required")
		return
	}
	topic, ok := s.system.Topic(name)
	if !ok {
		writeError(w, http.StatusNotFound, "topic not found")
		return
	}
	keys := topic.Subscribers()
	sort.Strings(keys)
	detail := topicDetail{Name: topic.Name(), Subscriptions: make([]subscriptionDetail, 0, len(keys))}
	for _, key := range keys {
		sub, ok := topic.Subscription(key)
		if !ok {
			continue
		}
		detail.Subscriptions = append(detail.Subscriptions, subscriptionDetail{
			Subscriber:     key,
			Bounds:         sub.Bounds(),
			Pending:        sub.Pending(),
			NumericalError: sub.NumericalError(),
			LastFlush:      sub.LastFlush().UTC(),
		})
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"status":      "ok",
		"environment": string(s.cfg.Environment),
		"topics":      s.system.CountTopics(),
		"uptime":      s.now().Sub(s.started).Round(time.Second).String(),
	}
	if s.sessions != nil {
		payload["sessions"] = s.sessions.Sessions()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *httpServer) reloadPolicy(w http.ResponseWriter, r *http.Request) {
	if s.reloader == nil {
		writeError(w, http.StatusServiceUnavailable, "policy reload unavailable")
		return
	}
	kind, err := s.reloader.ReloadPolicy(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errs.HasCode(err, errs.CodeInvalid) || errs.HasCode(err, errs.CodeNotFound) {
			status = http.StatusUnprocessableEntity
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reloaded", "policy": string(kind)})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
