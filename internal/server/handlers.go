package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"pipewarden/internal/core"
)

// maxDefinitionSize bounds a submitted pipeline document.
const maxDefinitionSize = 1 << 20

// POST /pipelines?branch=&build=&timeout= with a YAML body.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxDefinitionSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
		return
	}
	def, err := core.ParsePipeline(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	p, err := core.Compile(def)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	q := r.URL.Query()
	opts := core.RunOptions{Branch: q.Get("branch"), BuildID: q.Get("build"), Vars: s.opts.Vars}
	if t := q.Get("timeout"); t != "" {
		d, err := time.ParseDuration(t)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid timeout: %w", err))
			return
		}
		opts.Timeout = d
	}

	if err := p.CheckInputs(opts.Vars); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	rec := s.Submit(p, opts)
	w.Header().Set("Location", "/runs/"+rec.ID)
	writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Runs())
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	rec, ok := s.Run(id)
	if !ok {
		writeError(w, http.StatusNotFound, notFound("run", id))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleVerifyLedger(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Ledger == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("ledger not configured"))
		return
	}
	if err := s.opts.Ledger.VerifyChain(s.opts.PublicKey); err != nil {
		writeJSON(w, http.StatusConflict, map[string]any{"valid": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "blocks": s.opts.Ledger.Len()})
}

func (s *Server) handleLedgerRun(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ledger == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("ledger not configured"))
		return
	}
	id := chi.URLParam(r, "runID")
	blocks := s.opts.Ledger.Run(id)
	if len(blocks) == 0 {
		writeError(w, http.StatusNotFound, notFound("ledger run", id))
		return
	}
	writeJSON(w, http.StatusOK, blocks)
}

// DecisionRequest is the body of an approval decision.
type DecisionRequest struct {
	Decision string `json:"decision"` // approve | reject
	Actor    string `json:"actor"`
	Comment  string `json:"comment,omitempty"`
}

// MountApprovals registers the approval routes on r:
//
//	GET  /approvals
//	POST /runs/{runID}/approvals/{stage}
func MountApprovals(r chi.Router, broker *core.ApprovalBroker) {
	r.Get("/approvals", func(w http.ResponseWriter, _ *http.Request) {
		if broker == nil {
			writeJSON(w, http.StatusOK, []core.PendingApproval{})
			return
		}
		writeJSON(w, http.StatusOK, broker.Pending())
	})
	r.Post("/runs/{runID}/approvals/{stage}", func(w http.ResponseWriter, req *http.Request) {
		if broker == nil {
			writeError(w, http.StatusServiceUnavailable, errors.New("approvals not configured"))
			return
		}
		var body DecisionRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid decision: %w", err))
			return
		}
		var approve bool
		switch body.Decision {
		case "approve":
			approve = true
		case "reject":
		default:
			writeError(w, http.StatusBadRequest, fmt.Errorf("decision must be approve or reject, got %q", body.Decision))
			return
		}
		if body.Actor == "" {
			writeError(w, http.StatusBadRequest, errors.New("actor is required"))
			return
		}

		runID, stage := chi.URLParam(req, "runID"), chi.URLParam(req, "stage")
		err := broker.Decide(runID, stage, core.Decision{Approve: approve, Actor: body.Actor, Comment: body.Comment})
		switch {
		case errors.Is(err, core.ErrNoPendingApproval):
			writeError(w, http.StatusNotFound, err)
		case errors.Is(err, core.ErrNotApprover):
			writeError(w, http.StatusForbidden, err)
		case err != nil:
			writeError(w, http.StatusInternalServerError, err)
		default:
			writeJSON(w, http.StatusOK, map[string]string{"runId": runID, "stage": stage, "decision": body.Decision})
		}
	})
}

// ApprovalHandler serves only the approval routes. The CLI runs it next to a
// local run so gates can be decided from another terminal.
func ApprovalHandler(broker *core.ApprovalBroker) http.Handler {
	r := chi.NewRouter()
	MountApprovals(r, broker)
	return r
}
