package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/cadenza-automation/cadenza/internal/store"
	"github.com/cadenza-automation/cadenza/internal/types"
)

func ruleID(r *http.Request) types.RuleID {
	return types.RuleID(chi.URLParam(r, "ruleID"))
}

func (s *Service) handleListRules(w http.ResponseWriter, r *http.Request) {
	var opts store.ListOptions
	q := r.URL.Query()
	if v := q.Get("enabled"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "enabled must be true or false", err)
			return
		}
		opts.Enabled = &enabled
	}
	if v := q.Get("category"); v != "" {
		opts.Category = types.Category(v)
	}

	rules, err := s.deps.Rules.List(r.Context(), opts)
	if err != nil {
		s.fail(w, r, "failed to list rules", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"rules": rules, "count": len(rules)})
}

func (s *Service) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule types.Rule
	if err := decodeJSON(w, r, &rule); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	created, err := s.deps.Rules.Create(r.Context(), &rule)
	if err != nil {
		s.fail(w, r, "failed to create rule", err)
		return
	}
	w.Header().Set("Location", "/api/v1/rules/"+string(created.ID))
	respondJSON(w, http.StatusCreated, created)
}

func (s *Service) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.deps.Rules.Get(r.Context(), ruleID(r))
	if err != nil {
		s.fail(w, r, "failed to get rule", err)
		return
	}
	w.Header().Set("ETag", etag(rule.Version))
	respondJSON(w, http.StatusOK, rule)
}

// handleUpdateRule replaces a rule. The expected version comes from If-Match
// or, failing that, the body's version field.
func (s *Service) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var rule types.Rule
	if err := decodeJSON(w, r, &rule); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	expected := rule.Version
	if h := r.Header.Get("If-Match"); h != "" {
		v, err := strconv.ParseInt(strings.Trim(h, `"`), 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "If-Match must be a rule version", err)
			return
		}
		expected = v
	}
	if expected <= 0 {
		respondError(w, http.StatusBadRequest, "expected version required (If-Match header or version field)", nil)
		return
	}

	updated, err := s.deps.Rules.Update(r.Context(), ruleID(r), &rule, expected)
	if err != nil {
		s.fail(w, r, "failed to update rule", err)
		return
	}
	w.Header().Set("ETag", etag(updated.Version))
	respondJSON(w, http.StatusOK, updated)
}

func (s *Service) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rule, err := s.deps.Rules.SetEnabled(r.Context(), ruleID(r), enabled)
		if err != nil {
			s.fail(w, r, "failed to change rule state", err)
			return
		}
		respondJSON(w, http.StatusOK, rule)
	}
}

func (s *Service) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Rules.Delete(r.Context(), ruleID(r)); err != nil {
		s.fail(w, r, "failed to delete rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleRuleVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.deps.Rules.History(r.Context(), ruleID(r))
	if err != nil {
		s.fail(w, r, "failed to load rule history", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

// handleImportRules accepts a YAML or JSON rule file body.
func (s *Service) handleImportRules(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	format := ""
	if ct := r.Header.Get("Content-Type"); strings.Contains(ct, "yaml") {
		format = "yaml"
	}
	rules, err := store.ParseRules(data, format)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule file", err)
		return
	}
	res, err := s.deps.Rules.Import(r.Context(), rules)
	if err != nil {
		s.fail(w, r, "failed to import rules", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func etag(version int64) string {
	return fmt.Sprintf("%q", strconv.FormatInt(version, 10))
}
