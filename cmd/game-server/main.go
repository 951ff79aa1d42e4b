package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"bankrun-lab/internal/config"
	"bankrun-lab/internal/game"
	"bankrun-lab/internal/llm"
	"bankrun-lab/internal/logging"
	"bankrun-lab/internal/room"
	"bankrun-lab/internal/store"
	httptransport "bankrun-lab/internal/transport/http"
	"bankrun-lab/internal/ws"
)

func main() {
	cfg, err := config.LoadApp()
	if err != nil {
		panic(err)
	}
	logging.Init(cfg.Log)

	var st *store.Store
	if cfg.Server.PostgresDSN == "" {
		log.Warn().Msg("POSTGRES_DSN not set; running without persistence")
	} else {
		st, err = store.New(cfg.Server.PostgresDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("store init failed")
		}
		if err := st.Ping(context.Background()); err != nil {
			log.Fatal().Err(err).Msg("db ping failed")
		}
		if err := st.Bootstrap(context.Background()); err != nil {
			log.Fatal().Err(err).Msg("schema bootstrap failed")
		}
		defer st.Close()
	}

	client := llm.NewOpenAIClient(llm.OpenAIConfig{
		APIKey:  cfg.Server.OpenAIAPIKey,
		BaseURL: cfg.Server.OpenAIBaseURL,
		Model:   cfg.Server.OpenAIModel,
	})
	agent := llm.NewAgent(client, llm.DefaultLimiter(), cfg.Server.OpenAIModel)

	rooms := room.NewRegistry()
	wsServer := ws.NewServer(rooms, agent, sink(st), configSource(st, cfg.Game))

	r := httptransport.NewRouter(st, wsServer, cfg.Server, envGlobalConfig(cfg.Game))
	httptransport.LogRoutes(r)

	server := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Server.HTTPAddr).Msg("http listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server stopped")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	wsServer.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown incomplete")
	}
}

// sink avoids handing the ws server a typed nil when persistence is
// disabled.
func sink(st *store.Store) ws.ResultSink {
	if st == nil {
		return nil
	}
	return st
}

// configSource snapshots the experiment configuration for a session
// starting now: the DB singleton when present, env defaults otherwise.
// Decision timeout and payoffs are env-only and always merged in.
func configSource(st *store.Store, defaults config.GameConfig) ws.ConfigFunc {
	return func(ctx context.Context) (game.Config, string) {
		cfg := defaults.Session()
		opponent := defaults.OpponentType
		if st == nil {
			return cfg, opponent
		}
		stored, err := st.GetGlobalConfig(ctx)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				log.Error().Err(err).Msg("global config read failed, using env defaults")
			}
			return cfg, opponent
		}
		cfg.Mode = stored.GameMode
		cfg.TotalRounds = stored.TotalRounds
		cfg.ChatEnabled = stored.ChatEnabled
		cfg.ChatDurationSec = stored.ChatDurationSec
		cfg.ChatFrequency = game.ChatFrequency(stored.ChatFrequency)
		return cfg, stored.OpponentType
	}
}

func envGlobalConfig(g config.GameConfig) store.GlobalConfig {
	return store.GlobalConfig{
		OpponentType:    g.OpponentType,
		GameMode:        game.Mode(g.Mode),
		TotalRounds:     g.TotalRounds,
		ChatEnabled:     g.ChatEnabled,
		ChatDurationSec: g.ChatDurationSec,
		ChatFrequency:   g.ChatFrequency,
	}
}
