package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// Config is the complete static configuration of the service. Mutable
// runtime state (active models, retrieval parameters) lives in the
// RuntimeStore, not here.
type Config struct {
	// Server HTTP server settings
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Storage on-disk layout for uploads and runtime state
	Storage StorageConfig `yaml:"storage" env:"STORAGE"`

	// Database relational store settings
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Chroma vector index backend settings
	Chroma ChromaConfig `yaml:"chroma" env:"CHROMA"`

	// Ollama local provider settings
	Ollama OllamaConfig `yaml:"ollama" env:"OLLAMA"`

	// OpenAI hosted provider settings
	OpenAI OpenAIConfig `yaml:"openai" env:"OPENAI"`

	// Docling heavyweight converter settings
	Docling DoclingConfig `yaml:"docling" env:"DOCLING"`

	// Chunking default chunk sizing
	Chunking ChunkingConfig `yaml:"chunking" env:"CHUNKING"`

	// Retrieval default retrieval parameters
	Retrieval RetrievalConfig `yaml:"retrieval" env:"RETRIEVAL"`

	// Log logger settings
	Log LogConfig `yaml:"log" env:"LOG"`
}

// LogConfig 日志配置
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`

	// Format is "json" or "console".
	Format string `yaml:"format" env:"FORMAT"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst  int           `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// StorageConfig 存储目录配置
type StorageConfig struct {
	// Dir is the root storage directory; uploads and the runtime
	// config file live under it.
	Dir string `yaml:"dir" env:"DIR"`

	// MaxFileMB caps a single upload.
	MaxFileMB float64 `yaml:"max_file_mb" env:"MAX_FILE_MB"`
}

// FileDir returns the upload directory.
func (s StorageConfig) FileDir() string { return filepath.Join(s.Dir, "files") }

// RuntimeConfigPath returns the runtime config file path.
func (s StorageConfig) RuntimeConfigPath() string {
	return filepath.Join(s.Dir, "runtime_config.json")
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// Path is the SQLite database file; ":memory:" for tests.
	Path            string        `yaml:"path" env:"PATH"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// ChromaConfig 向量索引配置
type ChromaConfig struct {
	BaseURL    string        `yaml:"base_url" env:"BASE_URL"`
	Collection string        `yaml:"collection" env:"COLLECTION"`
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// OllamaConfig 本地 Ollama 配置
type OllamaConfig struct {
	BaseURL string        `yaml:"base_url" env:"BASE_URL"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// OpenAIConfig OpenAI 配置
type OpenAIConfig struct {
	APIKey  string        `yaml:"api_key" env:"API_KEY"`
	BaseURL string        `yaml:"base_url" env:"BASE_URL"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// DoclingConfig 重量级转换器配置
type DoclingConfig struct {
	// BaseURL of a docling-serve endpoint; empty disables the
	// heavyweight converter and all conversion falls back to raw text.
	BaseURL string        `yaml:"base_url" env:"BASE_URL"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// ChunkingConfig 分块默认配置
type ChunkingConfig struct {
	ChunkSize    int `yaml:"chunk_size" env:"CHUNK_SIZE"`
	ChunkOverlap int `yaml:"chunk_overlap" env:"CHUNK_OVERLAP"`
}

// RetrievalConfig 检索默认配置
type RetrievalConfig struct {
	TopK                int     `yaml:"top_k" env:"TOP_K"`
	DefaultFetchK       int     `yaml:"default_fetch_k" env:"DEFAULT_FETCH_K"`
	DefaultLambdaMult   float64 `yaml:"default_lambda_mult" env:"DEFAULT_LAMBDA_MULT"`
	DefaultChatModel    string  `yaml:"default_chat_model" env:"DEFAULT_CHAT_MODEL"`
	DefaultEmbedModel   string  `yaml:"default_embed_model" env:"DEFAULT_EMBED_MODEL"`
	DefaultProvider     string  `yaml:"default_provider" env:"DEFAULT_PROVIDER"`
	DefaultVectorBucket string  `yaml:"default_vector_backend" env:"DEFAULT_VECTOR_BACKEND"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // streaming responses; per-call timeouts apply upstream
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RateLimitRPS:    50,
			RateLimitBurst:  100,
		},
		Storage: StorageConfig{
			Dir:       "storage",
			MaxFileMB: 50,
		},
		Database: DatabaseConfig{
			Path:            "storage/docbase.db",
			MaxIdleConns:    2,
			MaxOpenConns:    10,
			ConnMaxLifetime: time.Hour,
		},
		Chroma: ChromaConfig{
			BaseURL:    "http://localhost:8000",
			Collection: "kb_chunks",
			Timeout:    15 * time.Second,
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
			Timeout: 120 * time.Second,
		},
		OpenAI: OpenAIConfig{
			BaseURL: "https://api.openai.com",
			Timeout: 60 * time.Second,
		},
		Docling: DoclingConfig{
			Timeout: 5 * time.Minute,
		},
		Chunking: ChunkingConfig{
			ChunkSize:    1024,
			ChunkOverlap: 400,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Retrieval: RetrievalConfig{
			TopK:                12,
			DefaultFetchK:       20,
			DefaultLambdaMult:   0.5,
			DefaultChatModel:    "gemma3:4b",
			DefaultEmbedModel:   "embeddinggemma:latest",
			DefaultProvider:     "ollama",
			DefaultVectorBucket: "chroma",
		},
	}
}

// Validate checks invariants that would otherwise fail at first use.
func (c *Config) Validate() error {
	if c.Chunking.ChunkSize <= 0 {
		return fmt.Errorf("chunking.chunk_size must be positive, got %d", c.Chunking.ChunkSize)
	}
	if c.Chunking.ChunkOverlap < 0 {
		return fmt.Errorf("chunking.chunk_overlap must not be negative, got %d", c.Chunking.ChunkOverlap)
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("retrieval.top_k must be positive, got %d", c.Retrieval.TopK)
	}
	if c.Storage.MaxFileMB <= 0 {
		return fmt.Errorf("storage.max_file_mb must be positive, got %f", c.Storage.MaxFileMB)
	}
	return nil
}
