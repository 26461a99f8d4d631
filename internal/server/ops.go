package server

import (
	"net/http"

	"github.com/pysugar/session-nexus/internal/identity"
	"github.com/pysugar/session-nexus/internal/protocol"
	"github.com/pysugar/session-nexus/internal/version"
)

// HealthHandler reports liveness with a few gauges.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "ok",
			"version":     version.String(),
			"connections": s.gw.Registry().Len(),
			"providers":   s.gw.Providers().Len(),
		})
	}
}

type providerView struct {
	ID             string `json:"id"`
	Kind           string `json:"kind"`
	Enabled        bool   `json:"enabled"`
	RuntimeEnabled bool   `json:"runtime_enabled"`
	Ready          bool   `json:"ready"`
	Subcode        *int   `json:"subcode,omitempty"`
}

// ProvidersHandler lists the catalog with the AUTH subcode that selects each
// provider and whether it is ready to take logins.
func (s *Server) ProvidersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reg := s.gw.Providers()
		out := make([]providerView, 0, len(s.catalog.Entries)+1)
		local := int(protocol.AuthLocal)
		out = append(out, providerView{
			ID:             string(identity.ProviderLocal),
			Kind:           "local",
			Enabled:        true,
			RuntimeEnabled: true,
			Ready:          true,
			Subcode:        &local,
		})
		for _, info := range s.catalog.Providers() {
			name := identity.Provider(info.ID)
			v := providerView{
				ID:             info.ID,
				Kind:           info.Kind,
				Enabled:        info.Enabled,
				RuntimeEnabled: info.RuntimeEnabled,
			}
			if _, err := reg.Get(name); err == nil {
				v.Ready = true
			}
			if code, ok := protocol.CodeFor(name); ok {
				c := int(code)
				v.Subcode = &c
			}
			out = append(out, v)
		}
		logout := int(protocol.AuthLogout)
		writeJSON(w, http.StatusOK, map[string]any{
			"providers":      out,
			"logout_subcode": logout,
		})
	}
}
