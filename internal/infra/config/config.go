package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Env          string
	Server       ServerConfig
	DB           DBConfig
	Ollama       OllamaConfig
	Reranker     RerankerConfig
	Retrieval    RetrievalConfig
	Conversation ConversationConfig
}

type ServerConfig struct {
	Port           string
	RateLimitRPS   float64
	TurnTimeout    time.Duration
	RequestTimeout time.Duration
}

type DBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	MaxConns int32
	MinConns int32
}

func (d DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type OllamaConfig struct {
	URL            string
	EmbeddingModel string
	ChatModel      string
	MaxTokens      int
}

type RerankerConfig struct {
	Enabled bool
	URL     string
	Model   string
	Timeout time.Duration
}

type RetrievalConfig struct {
	TopK         int
	TopN         int
	ExpandChunks bool
	ChunksPerDoc int
	CacheSize    int
	CacheTTL     time.Duration
}

type ConversationConfig struct {
	IdleThreshold     time.Duration
	EvictionWatermark int
}

func Load() *Config {
	return &Config{
		Env: getEnv("ENV", "development"),
		Server: ServerConfig{
			Port:           getEnv("PORT", "9010"),
			RateLimitRPS:   getEnvFloat64("RATE_LIMIT_RPS", 10),
			TurnTimeout:    time.Duration(getEnvInt("TURN_TIMEOUT_SECONDS", 300)) * time.Second,
			RequestTimeout: time.Duration(getEnvInt("REQUEST_TIMEOUT_SECONDS", 330)) * time.Second,
		},
		DB: DBConfig{
			Host:     getEnv("DB_HOST", "lit-db"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "lit_user"),
			Password: getSecret("DB_PASSWORD", "DB_PASSWORD_FILE", "lit_password"),
			Name:     getEnv("DB_NAME", "lit_db"),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 20)),
			MinConns: int32(getEnvInt("DB_MIN_CONNS", 5)),
		},
		Ollama: OllamaConfig{
			URL:            getEnv("OLLAMA_URL", "http://ollama:11434"),
			EmbeddingModel: getEnv("EMBEDDING_MODEL", "embeddinggemma"),
			ChatModel:      getEnv("CHAT_MODEL", "gemma3:12b"),
			MaxTokens:      getEnvInt("CHAT_MAX_TOKENS", 4096),
		},
		Reranker: RerankerConfig{
			Enabled: getEnvBool("RERANKER_ENABLED", true),
			URL:     getEnv("RERANKER_URL", "http://reranker:9020"),
			Model:   getEnv("RERANKER_MODEL", "bge-reranker-v2-m3"),
			Timeout: time.Duration(getEnvInt("RERANKER_TIMEOUT_SECONDS", 30)) * time.Second,
		},
		Retrieval: RetrievalConfig{
			TopK:         getEnvInt("RETRIEVAL_TOP_K", 50),
			TopN:         getEnvInt("RETRIEVAL_TOP_N", 8),
			ExpandChunks: getEnvBool("RETRIEVAL_EXPAND_CHUNKS", true),
			ChunksPerDoc: getEnvInt("RETRIEVAL_CHUNKS_PER_DOC", 4),
			CacheSize:    getEnvInt("EMBED_CACHE_SIZE", 256),
			CacheTTL:     time.Duration(getEnvInt("EMBED_CACHE_TTL_MINUTES", 10)) * time.Minute,
		},
		Conversation: ConversationConfig{
			IdleThreshold:     time.Duration(getEnvInt("CONVERSATION_IDLE_MINUTES", 30)) * time.Minute,
			EvictionWatermark: getEnvInt("CONVERSATION_EVICTION_WATERMARK", 100),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getSecret(envKey, fileEnvKey, fallback string) string {
	if value, ok := os.LookupEnv(envKey); ok {
		return value
	}
	if filePath, ok := os.LookupEnv(fileEnvKey); ok {
		content, err := os.ReadFile(filePath)
		if err == nil {
			return strings.TrimSpace(string(content))
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvFloat64(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}
