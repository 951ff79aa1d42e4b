package httptransport

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"bankrun-lab/internal/config"
	"bankrun-lab/internal/store"
	"bankrun-lab/internal/ws"
)

func NewRouter(st *store.Store, wsServer *ws.Server, cfg config.ServerConfig, defaults store.GlobalConfig) *chi.Mux {
	adminHandlers := NewAdminHandlers(st, defaults)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.With(APILogMiddleware()).Get("/healthz", adminHandlers.Health())
	r.Get("/ws", wsServer.HandleWS)

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(APILogMiddleware())
		r.Use(AdminAuthMiddleware(cfg.AdminPassword))
		r.Post("/verify", adminHandlers.Verify())
		r.Get("/games", adminHandlers.Games())
		r.Get("/games/export", adminHandlers.Export())
		r.Get("/games/{game_id}", adminHandlers.Game())
		r.Get("/config", adminHandlers.ConfigGet())
		r.Put("/config", adminHandlers.ConfigPut())
	})

	return r
}

func LogRoutes(r chi.Router) {
	type routeDef struct {
		Method string
		Path   string
	}
	routes := make([]routeDef, 0, 16)
	err := chi.Walk(r, func(method string, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		routes = append(routes, routeDef{Method: method, Path: route})
		return nil
	})
	if err != nil {
		log.Error().Err(err).Msg("walk routes failed")
		return
	}
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Path == routes[j].Path {
			return routes[i].Method < routes[j].Method
		}
		return routes[i].Path < routes[j].Path
	})
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Registered routes (%d):\n", len(routes)))
	for _, rt := range routes {
		b.WriteString(fmt.Sprintf("  %-6s %s\n", rt.Method, rt.Path))
	}
	fmt.Print(b.String())
}
