package httptransport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"bankrun-lab/internal/game"
	"bankrun-lab/internal/store"
)

// AdminHandlers serves the experimenter's read-side API. A nil store
// means the server runs without persistence; result endpoints then
// answer 503.
type AdminHandlers struct {
	store         *store.Store
	defaultConfig store.GlobalConfig
}

func NewAdminHandlers(st *store.Store, defaults store.GlobalConfig) *AdminHandlers {
	return &AdminHandlers{store: st, defaultConfig: defaults}
}

func (h *AdminHandlers) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.store == nil {
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "db": "disabled"})
			return
		}
		if err := h.store.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "db": "down"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "db": "up"})
	}
}

// Verify exists for the experimenter's login flow; reaching it at all
// means the password middleware accepted the header.
func (h *AdminHandlers) Verify() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}
}

func resultFilter(r *http.Request) store.ResultFilter {
	f := store.ResultFilter{
		Mode:       r.URL.Query().Get("mode"),
		PlayerType: r.URL.Query().Get("playerType"),
	}
	if v := r.URL.Query().Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.From = &t
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.To = &t
		}
	}
	return f
}

func (h *AdminHandlers) Games() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.store == nil {
			WriteHTTPError(w, http.StatusServiceUnavailable, "persistence_disabled")
			return
		}
		limit, offset := ParsePagination(r)
		items, total, err := h.store.ListGameResults(r.Context(), resultFilter(r), limit, offset)
		if err != nil {
			log.Error().Err(err).Msg("list game results failed")
			WriteHTTPError(w, http.StatusInternalServerError, "internal_error")
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items": items, "total": total, "limit": limit, "offset": offset,
		})
	}
}

func (h *AdminHandlers) Game() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.store == nil {
			WriteHTTPError(w, http.StatusServiceUnavailable, "persistence_disabled")
			return
		}
		doc, err := h.store.GetGameResult(r.Context(), chi.URLParam(r, "game_id"))
		if errors.Is(err, store.ErrNotFound) {
			WriteHTTPError(w, http.StatusNotFound, "not_found")
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("get game result failed")
			WriteHTTPError(w, http.StatusInternalServerError, "internal_error")
			return
		}
		_ = json.NewEncoder(w).Encode(doc)
	}
}

func (h *AdminHandlers) Export() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.store == nil {
			WriteHTTPError(w, http.StatusServiceUnavailable, "persistence_disabled")
			return
		}
		docs, err := h.store.ExportGameResults(r.Context(), resultFilter(r))
		if err != nil {
			log.Error().Err(err).Msg("export game results failed")
			WriteHTTPError(w, http.StatusInternalServerError, "internal_error")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=game-results-%s.json", time.Now().Format("2006-01-02")))
		_ = json.NewEncoder(w).Encode(docs)
	}
}

func (h *AdminHandlers) ConfigGet() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg := h.defaultConfig
		if h.store != nil {
			stored, err := h.store.GetGlobalConfig(r.Context())
			switch {
			case err == nil:
				cfg = stored
			case !errors.Is(err, store.ErrNotFound):
				log.Error().Err(err).Msg("get global config failed, serving defaults")
			}
		}
		_ = json.NewEncoder(w).Encode(cfg)
	}
}

func (h *AdminHandlers) ConfigPut() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.store == nil {
			WriteHTTPError(w, http.StatusServiceUnavailable, "persistence_disabled")
			return
		}
		var cfg store.GlobalConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			WriteHTTPError(w, http.StatusBadRequest, "invalid_json")
			return
		}
		if err := validateGlobalConfig(cfg); err != nil {
			WriteHTTPError(w, http.StatusBadRequest, "invalid_config")
			return
		}
		if err := h.store.UpdateGlobalConfig(r.Context(), cfg); err != nil {
			log.Error().Err(err).Msg("update global config failed")
			WriteHTTPError(w, http.StatusInternalServerError, "internal_error")
			return
		}
		log.Info().Str("mode", string(cfg.GameMode)).Int("rounds", cfg.TotalRounds).
			Str("opponent", cfg.OpponentType).Msg("global config updated")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}
}

func validateGlobalConfig(cfg store.GlobalConfig) error {
	if cfg.OpponentType != "ai" && cfg.OpponentType != "human" {
		return fmt.Errorf("opponent type %q", cfg.OpponentType)
	}
	if !cfg.GameMode.Valid() {
		return fmt.Errorf("game mode %q", cfg.GameMode)
	}
	if cfg.TotalRounds < 1 || cfg.TotalRounds > 20 {
		return fmt.Errorf("total rounds %d", cfg.TotalRounds)
	}
	if cfg.ChatEnabled {
		if cfg.ChatDurationSec < 5 || cfg.ChatDurationSec > 300 {
			return fmt.Errorf("chat duration %d", cfg.ChatDurationSec)
		}
		freq := game.ChatFrequency(cfg.ChatFrequency)
		if freq != game.ChatOnce && freq != game.ChatEveryRound {
			return fmt.Errorf("chat frequency %q", cfg.ChatFrequency)
		}
	}
	return nil
}
