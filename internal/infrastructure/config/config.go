package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 应用配置
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Qdrant    QdrantConfig    `yaml:"qdrant"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	LLM       LLMConfig       `yaml:"llm"`
	Chunker   ChunkerConfig   `yaml:"chunker"`
	Retriever RetrieverConfig `yaml:"retriever"`
	Explainer ExplainerConfig `yaml:"explainer"`
	Watcher   WatcherConfig   `yaml:"watcher"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTPPort 固定端口，同时用于单例锁
	HTTPPort string `yaml:"http_port"`
}

// DatabaseConfig 清单库配置
type DatabaseConfig struct {
	// Path 留空表示使用数据目录下的默认路径
	Path string `yaml:"path"`
	// InMemory 内存模式（测试用），保持单一长连接
	InMemory bool `yaml:"in_memory"`
}

// QdrantConfig 向量引擎配置
type QdrantConfig struct {
	Host       string `yaml:"host"`
	GRPCPort   int    `yaml:"grpc_port"`
	HTTPPort   int    `yaml:"http_port"`
	Collection string `yaml:"collection"`
}

// EmbeddingConfig 向量化服务配置
type EmbeddingConfig struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	Model          string        `yaml:"model"`
	ModelVersion   string        `yaml:"model_version"`
	Dimension      int           `yaml:"dimension"`
	BatchSize      int           `yaml:"batch_size"`
	CallsPerMinute int           `yaml:"calls_per_minute"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	Timeout        time.Duration `yaml:"timeout"`
}

// LLMConfig 对话模型配置
type LLMConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// ChunkerConfig 切块配置
type ChunkerConfig struct {
	TargetTokens  int `yaml:"target_tokens"`
	OverlapTokens int `yaml:"overlap_tokens"`
	MinTokens     int `yaml:"min_tokens"`
	MaxTokens     int `yaml:"max_tokens"`
}

// RetrieverConfig 混合检索配置
type RetrieverConfig struct {
	SemanticWeight float64       `yaml:"semantic_weight"`
	BM25Weight     float64       `yaml:"bm25_weight"`
	EnableLexical  bool          `yaml:"enable_lexical"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	CacheCapacity  int           `yaml:"cache_capacity"`
	ScoreThreshold float64       `yaml:"score_threshold"`
}

// ExplainerConfig 检索解释器配置
type ExplainerConfig struct {
	MinSelected int     `yaml:"min_selected"`
	MaxSelected int     `yaml:"max_selected"`
	MaxRetries  int     `yaml:"max_retries"`
	Temperature float64 `yaml:"temperature"`
	TokenBudget int     `yaml:"token_budget"`
}

// WatcherConfig 文档目录监听配置
type WatcherConfig struct {
	// Roots 被监听的文档根目录，空表示不启动监听
	Roots []string `yaml:"roots"`
	// DebounceMs 事件去抖间隔
	DebounceMs int `yaml:"debounce_ms"`
}

const (
	// EnvHTTPPort HTTP 端口环境变量名
	EnvHTTPPort = "KNOWDEX_HTTP_PORT"
	// DefaultHTTPPort 默认 HTTP 端口
	DefaultHTTPPort = ":19870"
)

// NewConfig 创建配置（默认值）
func NewConfig() *Config {
	httpPort := os.Getenv(EnvHTTPPort)
	if httpPort == "" {
		httpPort = DefaultHTTPPort
	}
	return &Config{
		Server: ServerConfig{
			HTTPPort: httpPort,
		},
		Database: DatabaseConfig{
			Path:     "",
			InMemory: false,
		},
		Qdrant: QdrantConfig{
			Host:       "localhost",
			GRPCPort:   6334,
			HTTPPort:   6333,
			Collection: "knowdex_chunks",
		},
		Embedding: EmbeddingConfig{
			BaseURL:        "http://localhost:8080",
			Model:          "nomic-embed-text-v1.5",
			ModelVersion:   "1.5",
			Dimension:      768,
			BatchSize:      100,
			CallsPerMinute: 60,
			MaxRetries:     3,
			RetryBaseDelay: time.Second,
			Timeout:        30 * time.Second,
		},
		LLM: LLMConfig{
			BaseURL: "http://localhost:8080",
			Model:   "qwen2.5-14b-instruct",
			Timeout: 60 * time.Second,
		},
		Chunker: ChunkerConfig{
			TargetTokens:  512,
			OverlapTokens: 50,
			MinTokens:     100,
			MaxTokens:     2000,
		},
		Retriever: RetrieverConfig{
			SemanticWeight: 0.6,
			BM25Weight:     0.4,
			EnableLexical:  true,
			CacheTTL:       60 * time.Second,
			CacheCapacity:  100,
			ScoreThreshold: 0,
		},
		Explainer: ExplainerConfig{
			MinSelected: 3,
			MaxSelected: 8,
			MaxRetries:  2,
			Temperature: 0.3,
			TokenBudget: 4000,
		},
		Watcher: WatcherConfig{
			Roots:      nil,
			DebounceMs: 500,
		},
	}
}

// LoadConfig 创建配置并叠加可选的 YAML 配置文件
// 文件不存在时静默使用默认值
func LoadConfig(path string) (*Config, error) {
	cfg := NewConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// EnvConfigFile 配置文件路径环境变量名
const EnvConfigFile = "KNOWDEX_CONFIG"

// ProvideConfig 组装运行时配置：默认值 + 可选 YAML 文件 + 加密凭据
func ProvideConfig() (*Config, error) {
	cfg, err := LoadConfig(os.Getenv(EnvConfigFile))
	if err != nil {
		return nil, err
	}

	store, err := NewCredentialStore()
	if err != nil {
		return nil, err
	}
	if err := store.Apply(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// NewDatabaseConfig 创建数据库配置
func NewDatabaseConfig(cfg *Config) *DatabaseConfig {
	return &cfg.Database
}

// NewServerConfig 创建服务器配置
func NewServerConfig(cfg *Config) *ServerConfig {
	return &cfg.Server
}

// NewQdrantConfig 创建向量引擎配置
func NewQdrantConfig(cfg *Config) *QdrantConfig {
	return &cfg.Qdrant
}

// NewEmbeddingConfig 创建向量化配置
func NewEmbeddingConfig(cfg *Config) *EmbeddingConfig {
	return &cfg.Embedding
}

// NewLLMConfig 创建对话模型配置
func NewLLMConfig(cfg *Config) *LLMConfig {
	return &cfg.LLM
}

// NewChunkerConfig 创建切块配置
func NewChunkerConfig(cfg *Config) *ChunkerConfig {
	return &cfg.Chunker
}

// NewRetrieverConfig 创建检索配置
func NewRetrieverConfig(cfg *Config) *RetrieverConfig {
	return &cfg.Retriever
}

// NewExplainerConfig 创建解释器配置
func NewExplainerConfig(cfg *Config) *ExplainerConfig {
	return &cfg.Explainer
}

// NewWatcherConfig 创建监听配置
func NewWatcherConfig(cfg *Config) *WatcherConfig {
	return &cfg.Watcher
}
