// Package http serves the read-only introspection API: branch listings,
// branch contents and prometheus metrics. It never mutates the store.
package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/weftlab/weft/internal/logging"
	"github.com/weftlab/weft/pkg/domain"
	"github.com/weftlab/weft/pkg/ports"
)

// Server exposes stack introspection over HTTP.
type Server struct {
	stack    ports.Stack
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// Option configures the Server.
type Option func(*Server)

// WithLogger configures a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// NewHandler builds the chi router for the introspection API.
func NewHandler(stack ports.Stack, gatherer prometheus.Gatherer, opts ...Option) http.Handler {
	s := &Server{
		stack:    stack,
		gatherer: gatherer,
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Get("/healthz", s.health)
	r.Get("/branches/{conversation}", s.branches)
	r.Get("/branch/{conversation}/{agent}/{branch}", s.branch)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// agentBranches is one agent's slice of the conversation listing.
type agentBranches struct {
	Agent    string   `json:"agent"`
	Active   string   `json:"active"`
	Branches []string `json:"branches"`
}

func (s *Server) branches(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "conversation")

	agents, err := s.stack.Agents(ctx, conversationID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if len(agents) == 0 {
		s.writeError(w, http.StatusNotFound, domain.ErrBranchNotFound)
		return
	}
	sort.Strings(agents)

	listing := make([]agentBranches, 0, len(agents))
	for _, agent := range agents {
		branches, err := s.stack.Branches(ctx, conversationID, agent)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		sort.Strings(branches)
		active, err := s.stack.ActiveBranch(ctx, conversationID, agent)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		listing = append(listing, agentBranches{Agent: agent, Active: active, Branches: branches})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conversationID,
		"agents":          listing,
	})
}

// stateSummary is one entry of a branch view: enough for an audit trail,
// without the full payloads.
type stateSummary struct {
	Position      int64            `json:"position"`
	Kind          domain.StateKind `json:"kind"`
	Episode       int              `json:"episode,omitempty"`
	CorrelationID string           `json:"correlation_id,omitempty"`
	IsError       bool             `json:"is_error,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

func (s *Server) branch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ref := domain.BranchRef{
		ConversationID: chi.URLParam(r, "conversation"),
		AgentID:        chi.URLParam(r, "agent"),
		BranchID:       chi.URLParam(r, "branch"),
	}

	meta, err := s.stack.Meta(ctx, ref)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	n, err := s.stack.Len(ctx, ref)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	states, err := s.stack.Range(ctx, ref, 0, n)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	summaries := make([]stateSummary, len(states))
	for i, st := range states {
		summaries[i] = stateSummary{
			Position:      st.Position,
			Kind:          st.Kind,
			Episode:       st.Episode,
			CorrelationID: st.CorrelationID,
			IsError:       st.IsError,
			Reason:        string(st.Reason),
			CreatedAt:     st.CreatedAt,
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"scope":  ref,
		"meta":   meta,
		"length": n,
		"states": summaries,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("failed to encode response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
