package gateway

import (
	"errors"
	"io"
	"net/http"

	"github.com/basket/taskd/internal/approval"
	"github.com/basket/taskd/internal/persistence"
)

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Gate == nil {
		writeJSON(w, http.StatusOK, map[string]any{"approvals": []approval.Request{}})
		return
	}
	status := persistence.ApprovalStatus(r.URL.Query().Get("status"))
	reqs, err := s.cfg.Gate.List(r.Context(), status, queryInt(r, "limit", defaultListLimit))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if reqs == nil {
		reqs = []approval.Request{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": reqs})
}

type resolveBody struct {
	By     string `json:"by"`
	Reason string `json:"reason"`
}

func readResolveBody(r *http.Request) (resolveBody, error) {
	var body resolveBody
	if err := decodeBody(r, &body); err != nil && !errors.Is(err, io.EOF) {
		return body, err
	}
	if body.By == "" {
		body.By = "api"
	}
	return body, nil
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.resolve(w, r, true)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.resolve(w, r, false)
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request, approve bool) {
	if s.cfg.Gate == nil {
		writeError(w, http.StatusNotFound, "approval gate not configured")
		return
	}
	body, err := readResolveBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	var req *approval.Request
	if approve {
		req, err = s.cfg.Gate.Approve(r.Context(), r.PathValue("id"), body.By)
	} else {
		req, err = s.cfg.Gate.Reject(r.Context(), r.PathValue("id"), body.By, body.Reason)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}
