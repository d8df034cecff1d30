// Package config loads the hub configuration from the environment plus the
// tool-server roster document.
package config

import "time"

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	LLM       LLMConfig
	Agent     AgentConfig
	MCP       MCPConfig
	Feedback  FeedbackConfig
	Sessions  SessionConfig
	Output    OutputConfig
	Speech    SpeechConfig
	Retrieval RetrievalConfig
	Otel      OtelConfig
}

type ServerConfig struct {
	Host               string
	Port               int
	AllowedOrigins     []string
	AllowEmptyOrigin   bool
	HeartbeatInterval  time.Duration
	HeartbeatGrace     time.Duration
	RateLimitPerSecond float64
	RateLimitBurst     int
	// AudioSilenceTimeout finishes a buffered utterance when the device goes
	// quiet without ever sending audio_end. Zero disables the timer.
	AudioSilenceTimeout time.Duration
}

type DatabaseConfig struct {
	URL string
}

type LLMConfig struct {
	BaseURL         string
	APIKey          string
	ChatModel       string
	ClassifierModel string
	EmbeddingModel  string
	MaxTokens       int
	Temperature     float64
	CallTimeout     time.Duration
}

type AgentConfig struct {
	Enabled       bool
	MaxSteps      int
	StepTimeout   time.Duration
	TotalTimeout  time.Duration
	ModelOverride string
}

type MCPConfig struct {
	Enabled     bool
	ServersFile string
}

type FeedbackConfig struct {
	MatchThreshold float64
	FewshotMax     int
	CountCacheTTL  time.Duration
}

type SessionConfig struct {
	TailChat      int
	TailWS        int
	TailSatellite int
	// TurnTimeout bounds one whole utterance, classifier through audio out.
	TurnTimeout time.Duration
}

type OutputConfig struct {
	AdvertiseHost     string
	AdvertisePort     int
	PreferInputDevice bool
	AudioClipTTL      time.Duration
	// MediaServer names the tool server that fronts external media players.
	MediaServer string
	// DenialMessage controls whether a permission denial appends an explicit
	// assistant line to the conversation, or stays out of the durable log.
	DenialMessage bool
}

type SpeechConfig struct {
	STTURL   string
	TTSURL   string
	TTSVoice string
}

type RetrievalConfig struct {
	URL string
}

type OtelConfig struct {
	Enabled     bool
	Environment string
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                GetEnvWithFallback("HEARTH_SERVER_HOST", "HOST", "0.0.0.0"),
			Port:                GetEnvInt("HEARTH_SERVER_PORT", GetEnvInt("PORT", 8350)),
			AllowedOrigins:      GetEnvSlice("HEARTH_ALLOWED_ORIGINS", []string{"*"}),
			AllowEmptyOrigin:    GetEnvBool("HEARTH_ALLOW_EMPTY_ORIGIN", true),
			HeartbeatInterval:   GetEnvSeconds("HEARTH_HEARTBEAT_INTERVAL_SECONDS", 30*time.Second),
			HeartbeatGrace:      GetEnvSeconds("HEARTH_HEARTBEAT_GRACE_SECONDS", 90*time.Second),
			RateLimitPerSecond:  GetEnvFloat("HEARTH_RATE_LIMIT_PER_CONNECTION", 10),
			RateLimitBurst:      GetEnvInt("HEARTH_RATE_LIMIT_BURST", 20),
			AudioSilenceTimeout: GetEnvSeconds("HEARTH_AUDIO_SILENCE_SECONDS", 8*time.Second),
		},
		Database: DatabaseConfig{
			URL: GetEnvWithFallback("HEARTH_POSTGRES_URL", "DATABASE_URL", "postgres://localhost:5432/hearth?sslmode=disable"),
		},
		LLM: LLMConfig{
			BaseURL:         GetEnvWithFallback("HEARTH_LLM_URL", "OPENAI_BASE_URL", "http://localhost:8080/v1"),
			APIKey:          GetEnvWithFallback("HEARTH_LLM_API_KEY", "OPENAI_API_KEY", ""),
			ChatModel:       GetEnv("HEARTH_LLM_MODEL", "qwen2.5-14b-instruct"),
			ClassifierModel: GetEnv("HEARTH_LLM_CLASSIFIER_MODEL", ""),
			EmbeddingModel:  GetEnv("HEARTH_LLM_EMBEDDING_MODEL", "nomic-embed-text"),
			MaxTokens:       GetEnvInt("HEARTH_LLM_MAX_TOKENS", 2048),
			Temperature:     GetEnvFloat("HEARTH_LLM_TEMPERATURE", 0.7),
			CallTimeout:     GetEnvSeconds("HEARTH_LLM_TIMEOUT_SECONDS", 60*time.Second),
		},
		Agent: AgentConfig{
			Enabled:       GetEnvBool("HEARTH_ENABLE_AGENT_LOOP", true),
			MaxSteps:      GetEnvInt("HEARTH_AGENT_MAX_STEPS", 8),
			StepTimeout:   GetEnvSeconds("HEARTH_AGENT_STEP_TIMEOUT_SECONDS", 30*time.Second),
			TotalTimeout:  GetEnvSeconds("HEARTH_AGENT_TOTAL_TIMEOUT_SECONDS", 120*time.Second),
			ModelOverride: GetEnv("HEARTH_AGENT_MODEL_OVERRIDE", ""),
		},
		MCP: MCPConfig{
			Enabled:     GetEnvBool("HEARTH_MCP_ENABLED", true),
			ServersFile: GetEnv("HEARTH_MCP_SERVERS_FILE", "servers.yaml"),
		},
		Feedback: FeedbackConfig{
			MatchThreshold: GetEnvFloat("HEARTH_FEEDBACK_MATCH_THRESHOLD", 0.75),
			FewshotMax:     GetEnvInt("HEARTH_FEEDBACK_FEWSHOT_MAX", 5),
			CountCacheTTL:  GetEnvSeconds("HEARTH_FEEDBACK_COUNT_CACHE_SECONDS", 60*time.Second),
		},
		Sessions: SessionConfig{
			TailChat:      GetEnvInt("HEARTH_SESSION_TAIL_CHAT", 20),
			TailWS:        GetEnvInt("HEARTH_SESSION_TAIL_WS", 10),
			TailSatellite: GetEnvInt("HEARTH_SESSION_TAIL_SATELLITE", 4),
			TurnTimeout:   GetEnvSeconds("HEARTH_TURN_TIMEOUT_SECONDS", 120*time.Second),
		},
		Output: OutputConfig{
			AdvertiseHost:     GetEnv("HEARTH_ADVERTISE_HOST", "localhost"),
			AdvertisePort:     GetEnvInt("HEARTH_ADVERTISE_PORT", 8350),
			PreferInputDevice: GetEnvBool("HEARTH_OUTPUT_PREFER_INPUT_DEVICE", false),
			AudioClipTTL:      GetEnvSeconds("HEARTH_AUDIO_CLIP_TTL_SECONDS", 120*time.Second),
			MediaServer:       GetEnv("HEARTH_MEDIA_SERVER", "media"),
			DenialMessage:     GetEnvBool("HEARTH_DENIAL_MESSAGE_ENABLED", true),
		},
		Speech: SpeechConfig{
			STTURL:   GetEnv("HEARTH_STT_URL", ""),
			TTSURL:   GetEnv("HEARTH_TTS_URL", ""),
			TTSVoice: GetEnv("HEARTH_TTS_VOICE", ""),
		},
		Retrieval: RetrievalConfig{
			URL: GetEnv("HEARTH_RETRIEVAL_URL", ""),
		},
		Otel: OtelConfig{
			Enabled:     GetEnvBool("HEARTH_OTEL_ENABLED", false),
			Environment: GetEnv("HEARTH_ENVIRONMENT", "development"),
		},
	}
}
