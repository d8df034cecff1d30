package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hearthlabs/hearth/internal/config"
)

// Version information (set via ldflags)
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

var cfg *config.Config

func main() {
	rootCmd := &cobra.Command{
		Use:   "hearth",
		Short: "Hearth - household assistant hub",
		Long: `Hearth is the dispatch hub of a household voice and text assistant.
It accepts utterances from browsers, wall panels and voice satellites,
classifies them, runs tools or the reasoning loop, and streams the answer
back as text or synthesized speech.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg = config.Load()
		},
	}

	rootCmd.AddCommand(
		serveCmd(),
		configCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// configCmd shows the resolved configuration
func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show current configuration",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Current configuration:")
			fmt.Println()

			fmt.Println("Server:")
			fmt.Printf("  Listen:     %s:%d\n", cfg.Server.Host, cfg.Server.Port)
			fmt.Printf("  Origins:    %v\n", cfg.Server.AllowedOrigins)
			fmt.Printf("  Heartbeat:  every %s, grace %s\n", cfg.Server.HeartbeatInterval, cfg.Server.HeartbeatGrace)
			fmt.Printf("  Rate limit: %.0f/s burst %d\n", cfg.Server.RateLimitPerSecond, cfg.Server.RateLimitBurst)
			fmt.Println()

			fmt.Println("LLM:")
			fmt.Printf("  URL:         %s\n", cfg.LLM.BaseURL)
			fmt.Printf("  Chat model:  %s\n", cfg.LLM.ChatModel)
			fmt.Printf("  Classifier:  %s\n", orDefault(cfg.LLM.ClassifierModel, "(chat model)"))
			fmt.Printf("  Embeddings:  %s\n", cfg.LLM.EmbeddingModel)
			fmt.Printf("  Max tokens:  %d\n", cfg.LLM.MaxTokens)
			fmt.Printf("  Temperature: %.2f\n", cfg.LLM.Temperature)
			fmt.Printf("  API key:     %s\n", maskSecret(cfg.LLM.APIKey))
			fmt.Println()

			fmt.Println("Agent loop:")
			fmt.Printf("  Status:     %s\n", boolStatus(cfg.Agent.Enabled))
			fmt.Printf("  Max steps:  %d\n", cfg.Agent.MaxSteps)
			fmt.Printf("  Budgets:    step %s, total %s\n", cfg.Agent.StepTimeout, cfg.Agent.TotalTimeout)
			fmt.Printf("  Model:      %s\n", orDefault(cfg.Agent.ModelOverride, "(chat model)"))
			fmt.Println()

			fmt.Println("Tool servers:")
			fmt.Printf("  Status: %s\n", boolStatus(cfg.MCP.Enabled))
			fmt.Printf("  Roster: %s\n", cfg.MCP.ServersFile)
			fmt.Println()

			fmt.Println("Speech:")
			fmt.Printf("  STT:   %s\n", orDefault(cfg.Speech.STTURL, "(disabled)"))
			fmt.Printf("  TTS:   %s\n", orDefault(cfg.Speech.TTSURL, "(disabled)"))
			fmt.Printf("  Voice: %s\n", orDefault(cfg.Speech.TTSVoice, "(server default)"))
			fmt.Println()

			fmt.Println("Retrieval:")
			fmt.Printf("  URL: %s\n", orDefault(cfg.Retrieval.URL, "(disabled)"))
			fmt.Println()

			fmt.Println("Database:")
			fmt.Printf("  PostgreSQL: %s\n", maskSecret(cfg.Database.URL))
			fmt.Println()

			fmt.Println("Environment variables:")
			fmt.Println("  HEARTH_SERVER_HOST, HEARTH_SERVER_PORT, HEARTH_ALLOWED_ORIGINS")
			fmt.Println("  HEARTH_POSTGRES_URL, HEARTH_LLM_URL, HEARTH_LLM_API_KEY, HEARTH_LLM_MODEL")
			fmt.Println("  HEARTH_ENABLE_AGENT_LOOP, HEARTH_AGENT_MAX_STEPS")
			fmt.Println("  HEARTH_MCP_ENABLED, HEARTH_MCP_SERVERS_FILE")
			fmt.Println("  HEARTH_STT_URL, HEARTH_TTS_URL, HEARTH_TTS_VOICE, HEARTH_RETRIEVAL_URL")
		},
	}
}

// versionCmd shows version information
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Hearth %s\n", version)
			fmt.Printf("  Commit:     %s\n", commit)
			fmt.Printf("  Build Date: %s\n", buildDate)
		},
	}
}

// maskSecret masks a secret string for display
func maskSecret(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= 8 {
		return "(set)"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

// boolStatus returns a status string for a boolean
func boolStatus(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
