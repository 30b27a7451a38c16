package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cadenza-automation/cadenza/internal/types"
)

func platformID(r *http.Request) types.PlatformID {
	return types.PlatformID(chi.URLParam(r, "platformID"))
}

func (s *Service) handleListPlatforms(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"platforms": s.deps.Platforms.List()})
}

func (s *Service) handleGetPlatform(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Platforms.Get(platformID(r))
	if err != nil {
		s.fail(w, r, "failed to get platform", err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// handleConnectPlatform flips a platform's connection state. Listeners on the
// platform suspend or resume through the registry subscription.
func (s *Service) handleConnectPlatform(connect bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := platformID(r)
		var err error
		if connect {
			err = s.deps.Platforms.Connect(id)
		} else {
			err = s.deps.Platforms.Disconnect(id)
		}
		if err != nil {
			s.fail(w, r, "failed to change platform state", err)
			return
		}
		p, err := s.deps.Platforms.Get(id)
		if err != nil {
			s.fail(w, r, "failed to get platform", err)
			return
		}
		s.logger.Info().Str("platform", string(id)).Bool("connected", p.Connected).Msg("platform state changed")
		respondJSON(w, http.StatusOK, p)
	}
}
