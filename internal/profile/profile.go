package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Profile is configuration to start the switchboard server.
type Profile struct {
	// LLM configuration (OpenAI-compatible protocol).
	// All providers (openai, deepseek, siliconflow, ollama) use the same config.
	LLMProvider string // Provider identifier: openai, deepseek, siliconflow, ollama
	LLMAPIKey   string
	LLMBaseURL  string // Optional, has default per provider
	LLMModel    string
	LLMTimeout  int // LLM request timeout in seconds (default: 120)

	// Embedding configuration.
	EmbeddingProvider string
	EmbeddingModel    string
	EmbeddingAPIKey   string
	EmbeddingBaseURL  string

	// Routing thresholds.
	DefaultConfidenceThreshold float64
	HighConfidenceThreshold    float64
	MinConfidenceThreshold     float64
	MaxConfidenceThreshold     float64
	ContinuityBonus            float64
	SemanticRelevanceWeight    float64
	NegativeFeedbackPenalty    float64

	// Turn execution limits.
	MaxCollectionTurns int
	SlotMaxAttempts    int
	DefaultTimeoutS    int
	HandlerTimeoutS    map[string]int // handler name -> seconds, overrides DefaultTimeoutS

	// Shared resources.
	EmbeddingCacheSize       int
	StateExpirationDays      int
	MaxCheckpointsPerSession int
	GlobalInflightLimit      int

	// RequirePersistence makes an unreachable storage backend a fatal
	// startup error instead of a degraded start.
	RequirePersistence bool

	// RequireLLM makes missing LLM credentials a fatal startup error.
	// Without it the pipeline starts with deterministic rendering only.
	RequireLLM bool

	// HandlersFile optionally names a JSON file of handler definitions
	// registered at startup.
	HandlersFile string

	Mode    string
	Addr    string
	Port    int
	Data    string
	Driver  string
	DSN     string
	Version string
}

// Provider default configurations for LLM.
// Used when SWITCHBOARD_LLM_BASE_URL is not explicitly set.
var llmProviderDefaults = map[string]struct {
	BaseURL string
	Model   string
}{
	"openai": {
		BaseURL: "https://api.openai.com/v1",
		Model:   "gpt-4o-mini",
	},
	"deepseek": {
		BaseURL: "https://api.deepseek.com",
		Model:   "deepseek-chat",
	},
	"siliconflow": {
		BaseURL: "https://api.siliconflow.cn/v1",
		Model:   "Qwen/Qwen2.5-72B-Instruct",
	},
	"ollama": {
		BaseURL: "http://localhost:11434/v1",
		Model:   "llama3.1",
	},
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsLLMEnabled returns true if an LLM API key is configured.
// Without one the router falls back to lexical matching and handlers
// cannot use free-form rendering.
func (p *Profile) IsLLMEnabled() bool {
	return p.LLMAPIKey != ""
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvOrDefaultFloat returns environment variable value as float64 or default value.
func getEnvOrDefaultFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	p.LLMProvider = getEnvOrDefault("SWITCHBOARD_LLM_PROVIDER", "openai")
	p.LLMAPIKey = getEnvOrDefault("SWITCHBOARD_LLM_API_KEY", "")
	p.LLMBaseURL = getEnvOrDefault("SWITCHBOARD_LLM_BASE_URL", "")
	p.LLMModel = getEnvOrDefault("SWITCHBOARD_LLM_MODEL", "")
	p.LLMTimeout = getEnvOrDefaultInt("SWITCHBOARD_LLM_TIMEOUT_SECONDS", 120)

	if _, ok := llmProviderDefaults[p.LLMProvider]; !ok {
		p.LLMProvider = "openai"
	}
	if defaults, ok := llmProviderDefaults[p.LLMProvider]; ok {
		if p.LLMBaseURL == "" {
			p.LLMBaseURL = defaults.BaseURL
		}
		if p.LLMModel == "" {
			p.LLMModel = defaults.Model
		}
	}

	p.EmbeddingProvider = getEnvOrDefault("SWITCHBOARD_EMBEDDING_PROVIDER", "openai")
	p.EmbeddingModel = getEnvOrDefault("SWITCHBOARD_EMBEDDING_MODEL", "text-embedding-3-small")
	p.EmbeddingAPIKey = getEnvOrDefault("SWITCHBOARD_EMBEDDING_API_KEY", p.LLMAPIKey)
	p.EmbeddingBaseURL = getEnvOrDefault("SWITCHBOARD_EMBEDDING_BASE_URL", "https://api.openai.com/v1")

	p.DefaultConfidenceThreshold = getEnvOrDefaultFloat("SWITCHBOARD_DEFAULT_CONFIDENCE_THRESHOLD", 0.65)
	p.HighConfidenceThreshold = getEnvOrDefaultFloat("SWITCHBOARD_HIGH_CONFIDENCE_THRESHOLD", 0.85)
	p.MinConfidenceThreshold = getEnvOrDefaultFloat("SWITCHBOARD_MIN_CONFIDENCE_THRESHOLD", 0.5)
	p.MaxConfidenceThreshold = getEnvOrDefaultFloat("SWITCHBOARD_MAX_CONFIDENCE_THRESHOLD", 0.8)
	p.ContinuityBonus = getEnvOrDefaultFloat("SWITCHBOARD_CONTINUITY_BONUS", 0.15)
	p.SemanticRelevanceWeight = getEnvOrDefaultFloat("SWITCHBOARD_SEMANTIC_RELEVANCE_WEIGHT", 0.2)
	p.NegativeFeedbackPenalty = getEnvOrDefaultFloat("SWITCHBOARD_NEGATIVE_FEEDBACK_PENALTY", 0.1)

	p.MaxCollectionTurns = getEnvOrDefaultInt("SWITCHBOARD_MAX_COLLECTION_TURNS", 5)
	p.SlotMaxAttempts = getEnvOrDefaultInt("SWITCHBOARD_SLOT_MAX_ATTEMPTS", 3)
	p.DefaultTimeoutS = getEnvOrDefaultInt("SWITCHBOARD_PER_HANDLER_TIMEOUT_SECONDS", 20)
	p.HandlerTimeoutS = parseHandlerTimeouts(os.Getenv("SWITCHBOARD_HANDLER_TIMEOUTS"))

	p.EmbeddingCacheSize = getEnvOrDefaultInt("SWITCHBOARD_EMBEDDING_CACHE_SIZE", 1000)
	p.StateExpirationDays = getEnvOrDefaultInt("SWITCHBOARD_STATE_EXPIRATION_DAYS", 7)
	p.MaxCheckpointsPerSession = getEnvOrDefaultInt("SWITCHBOARD_MAX_CHECKPOINTS_PER_SESSION", 5)
	p.GlobalInflightLimit = getEnvOrDefaultInt("SWITCHBOARD_GLOBAL_INFLIGHT_LIMIT", 256)

	p.RequirePersistence = getEnvOrDefault("SWITCHBOARD_REQUIRE_PERSISTENCE", "false") == "true"
	p.RequireLLM = getEnvOrDefault("SWITCHBOARD_REQUIRE_LLM", "false") == "true"
	if p.HandlersFile == "" {
		p.HandlersFile = getEnvOrDefault("SWITCHBOARD_HANDLERS_FILE", "")
	}
}

// parseHandlerTimeouts parses a "name=seconds,name=seconds" list into a map.
// Malformed entries are skipped.
func parseHandlerTimeouts(raw string) map[string]int {
	timeouts := make(map[string]int)
	if raw == "" {
		return timeouts
	}
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), "=", 2)
		if len(parts) != 2 {
			continue
		}
		secs, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || secs <= 0 {
			continue
		}
		timeouts[strings.TrimSpace(parts[0])] = secs
	}
	return timeouts
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.RequireLLM && !p.IsLLMEnabled() {
		return errors.New("LLM required but SWITCHBOARD_LLM_API_KEY is not set")
	}

	if p.Driver == "memory" {
		// In-memory backend keeps no files; nothing else to check.
		return nil
	}

	if p.Mode == "prod" && p.Data == "" {
		p.Data = "/var/opt/switchboard"
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		return errors.Wrap(err, "check data dir")
	}
	p.Data = dataDir

	if p.Driver == "sqlite" && p.DSN == "" {
		dbFile := fmt.Sprintf("switchboard_%s.db", p.Mode)
		p.DSN = filepath.Join(dataDir, dbFile)
	}
	if p.Driver == "postgres" && p.DSN == "" {
		return errors.New("postgres driver requires a DSN")
	}

	return nil
}
