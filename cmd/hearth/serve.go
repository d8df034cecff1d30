package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/hearthlabs/hearth/internal/agentloop"
	"github.com/hearthlabs/hearth/internal/config"
	"github.com/hearthlabs/hearth/internal/executor"
	"github.com/hearthlabs/hearth/internal/intent"
	"github.com/hearthlabs/hearth/internal/llm"
	"github.com/hearthlabs/hearth/internal/mcp"
	"github.com/hearthlabs/hearth/internal/outputs"
	"github.com/hearthlabs/hearth/internal/retrieval"
	"github.com/hearthlabs/hearth/internal/server"
	"github.com/hearthlabs/hearth/internal/speech"
	"github.com/hearthlabs/hearth/internal/store"
	"github.com/hearthlabs/hearth/internal/telemetry"
)

// serveCmd starts the hub
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the assistant hub",
		Long: `Start the Hearth hub: websocket endpoints for chat clients and devices,
the REST history API, and the audio clip server.

Required configuration:
  - PostgreSQL database (HEARTH_POSTGRES_URL)
  - LLM endpoint (HEARTH_LLM_URL)

Optional:
  - Tool server roster (HEARTH_MCP_SERVERS_FILE)
  - Speech services (HEARTH_STT_URL, HEARTH_TTS_URL)
  - Document retrieval (HEARTH_RETRIEVAL_URL)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	slog.Info("serve: starting hearth",
		"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"llm", cfg.LLM.BaseURL,
		"agent", cfg.Agent.Enabled)

	if cfg.Otel.Enabled {
		shutdown, err := telemetry.InitTracing(ctx, "hearth", cfg.Otel.Environment)
		if err != nil {
			slog.Warn("serve: tracing init failed", "error", err)
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					slog.Warn("serve: tracing shutdown failed", "error", err)
				}
			}()
		}
	}

	pool, err := initDB(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()
	st := store.New(pool)

	lm := llm.NewClient(cfg.LLM, cfg.Agent.ModelOverride)

	// An empty roster still gives the pipeline a valid (empty) capability
	// snapshot, so tool-less operation needs no special casing downstream.
	roster := &config.ServerRoster{}
	if cfg.MCP.Enabled {
		loaded, err := config.LoadServers(cfg.MCP.ServersFile)
		if err != nil {
			slog.Warn("serve: tool roster unavailable, continuing without tools",
				"file", cfg.MCP.ServersFile, "error", err)
		} else {
			roster = loaded
		}
	}
	registry := mcp.NewRegistry(ctx, roster)
	defer registry.Close()

	fewshots := intent.NewFewshots(st, lm,
		cfg.Feedback.MatchThreshold, cfg.Feedback.FewshotMax, cfg.Feedback.CountCacheTTL)
	complexity := intent.NewComplexity(cfg.Agent.Enabled, fewshots)
	classifier := intent.NewClassifier(lm, fewshots, roomGlossary(st), roster)

	var retriever executor.Retriever
	if cfg.Retrieval.URL != "" {
		retriever = retrieval.New(cfg.Retrieval.URL)
	}
	exec := executor.New(registry, retriever)

	var agent server.AgentRunner
	if cfg.Agent.Enabled {
		agent = agentloop.New(lm, registry, fewshots, cfg.Agent)
	}

	hub := server.NewHub()
	audio := outputs.NewAudioCache(cfg.Output.AudioClipTTL)
	defer audio.Close()
	media := outputs.NewRegistryMedia(registry, cfg.Output.MediaServer)
	router := outputs.NewRouter(hub, media, audio, cfg.Output)

	stt := speech.NewSTT(cfg.Speech.STTURL)
	tts := speech.NewTTS(cfg.Speech.TTSURL, cfg.Speech.TTSVoice)

	pipeline := server.NewPipeline(st, classifier, complexity, exec, agent, registry, lm, router, tts, cfg)
	ws := server.NewWSHandler(hub, pipeline, st, stt, nil, cfg)
	srv := server.New(cfg, hub, ws, st, st, lm, fewshots, registry, audio)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		slog.Info("serve: shutting down", "signal", sig.String())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	}
}

// initDB opens the connection pool and verifies the database is reachable.
func initDB(ctx context.Context) (*pgxpool.Pool, error) {
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("PostgreSQL connection required, set HEARTH_POSTGRES_URL")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	// Force UTC so TIMESTAMP columns round-trip independent of server locale.
	poolConfig.ConnConfig.RuntimeParams["timezone"] = "UTC"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return pool, nil
}

// roomGlossary feeds room names into the classifier prompt so location
// phrases resolve to tool parameters. Best effort.
func roomGlossary(st *store.Store) intent.GlossaryFunc {
	return func(ctx context.Context) []string {
		names, err := st.RoomNames(ctx)
		if err != nil {
			slog.Debug("serve: room glossary unavailable", "error", err)
			return nil
		}
		return names
	}
}
