// package httpserver exposes the capability execution boundary and the
// operational surface over HTTP.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kilnworks/autopilot/internal/audit"
	"github.com/kilnworks/autopilot/internal/auth"
	"github.com/kilnworks/autopilot/internal/capability"
	"github.com/kilnworks/autopilot/internal/connector"
	"github.com/kilnworks/autopilot/internal/jobs"
	"github.com/kilnworks/autopilot/internal/skills"
	"github.com/kilnworks/autopilot/internal/store"
)

// Server wires the governance components behind chi.
type Server struct {
	authCfg    auth.Config
	runtime    *capability.Runtime
	store      store.Store
	audit      audit.Store
	connectors *connector.Registry
	runner     *jobs.Runner
	installer  *skills.Installer
}

func New(authCfg auth.Config, runtime *capability.Runtime, st store.Store, auditStore audit.Store, connectors *connector.Registry, runner *jobs.Runner, installer *skills.Installer) *Server {
	return &Server{
		authCfg:    authCfg,
		runtime:    runtime,
		store:      st,
		audit:      auditStore,
		connectors: connectors,
		runner:     runner,
		installer:  installer,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Middleware(s.authCfg))

		r.Post("/proposals", s.handlePropose)
		r.Get("/proposals/{id}", s.handleGetProposal)
		r.Post("/proposals/{id}/approve", s.handleApprove)
		r.Post("/proposals/{id}/execute", s.handleExecute)

		r.Get("/audit/{id}", s.handleGetAudit)
		r.Get("/connectors/health", s.handleConnectorHealth)
		r.Get("/jobs/stats", s.handleJobStats)
		r.Post("/jobs/{name}/run", s.handleRunJob)

		r.Post("/skills/install", s.handleInstallSkill)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := s.store.Ping(ctx); err != nil {
		status["ok"] = false
		status["store"] = "down"
		status["error"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	status["store"] = "up"
	if err := s.audit.Ping(ctx); err != nil {
		status["ok"] = false
		status["audit"] = "down"
		status["error"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	status["audit"] = "up"
	respondJSON(w, http.StatusOK, status)
}

type proposeRequest struct {
	CapabilityID string          `json:"capabilityId"`
	OwnerUID     string          `json:"ownerUid"`
	Input        json.RawMessage `json:"input"`
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.ActorFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "no actor identity")
		return
	}
	var req proposeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if req.CapabilityID == "" {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "capabilityId is required")
		return
	}

	decision, err := s.runtime.Propose(r.Context(), actor, req.OwnerUID, req.CapabilityID, req.Input)
	s.respondDecision(w, decision, err)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.ActorFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "no actor identity")
		return
	}
	decision, err := s.runtime.Approve(r.Context(), actor, chi.URLParam(r, "id"))
	s.respondDecision(w, decision, err)
}

// respondDecision renders a Decision. Denials carry the reason code and audit
// event id rather than a generic failure.
func (s *Server) respondDecision(w http.ResponseWriter, decision capability.Decision, err error) {
	if err != nil {
		if de, ok := capability.Denied(err); ok {
			respondJSON(w, http.StatusForbidden, map[string]interface{}{
				"status":       decision.Proposal.Status,
				"proposalId":   decision.Proposal.ID,
				"reasonCode":   de.Code,
				"reason":       de.Message,
				"auditEventId": de.AuditEventID,
			})
			return
		}
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "NOT_FOUND", "proposal not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":       decision.Proposal.Status,
		"proposalId":   decision.Proposal.ID,
		"auditEventId": decision.AuditEventID,
	})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.ActorFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "no actor identity")
		return
	}
	res, err := s.runtime.Execute(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		if de, ok := capability.Denied(err); ok {
			status := http.StatusForbidden
			if de.Code == capability.ReasonConnectorUnavailable {
				status = http.StatusBadGateway
			}
			respondJSON(w, status, map[string]interface{}{
				"reasonCode":   de.Code,
				"reason":       de.Message,
				"auditEventId": de.AuditEventID,
			})
			return
		}
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "NOT_FOUND", "proposal not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":       res.Proposal.Status,
		"proposalId":   res.Proposal.ID,
		"executed":     res.Executed,
		"dryRun":       res.DryRun,
		"result":       res.Result,
		"auditEventId": res.AuditEventID,
	})
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetProposal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "NOT_FOUND", "proposal not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	ev, err := s.audit.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, audit.ErrNotFound) {
			respondError(w, http.StatusNotFound, "NOT_FOUND", "audit event not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, ev)
}

func (s *Server) handleConnectorHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	respondJSON(w, http.StatusOK, s.connectors.HealthAll(ctx))
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.runner.StatsSnapshot())
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.ActorFromContext(r.Context())
	if !ok || !actor.Staff {
		respondError(w, http.StatusForbidden, "POLICY_DENIED", "staff role required")
		return
	}
	name := chi.URLParam(r, "name")
	if err := s.runner.Run(r.Context(), name); err != nil {
		respondError(w, http.StatusInternalServerError, "JOB_FAILED", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"job": name, "stats": s.runner.StatsSnapshot()[name]})
}

type installRequest struct {
	Reference string `json:"reference"`
}

func (s *Server) handleInstallSkill(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.ActorFromContext(r.Context())
	if !ok || !actor.Staff {
		respondError(w, http.StatusForbidden, "POLICY_DENIED", "staff role required")
		return
	}
	var req installRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	installed, err := s.installer.Install(r.Context(), req.Reference, skills.InstallPlan{RequestedBy: actor.ID})
	if err != nil {
		if ie, ok := skills.InstallFailure(err); ok {
			respondError(w, http.StatusUnprocessableEntity, ie.Code, ie.Message)
			return
		}
		respondError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, installed)
}

// --- helpers ---

func decodeJSON(w http.ResponseWriter, r *http.Request, into interface{}) error {
	defer io.Copy(io.Discard, r.Body)
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	return dec.Decode(into)
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]string{"code": code, "message": message})
}
