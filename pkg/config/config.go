package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Neo4j     Neo4jConfig
	Zilliz    ZillizConfig
	SQLite    SQLiteConfig
	Redis     RedisConfig
	LLM       LLMConfig
	MinIO     MinIOConfig
	Kafka     KafkaConfig
	Logging   LoggingConfig
	Pipeline  PipelineConfig
	Detection DetectionConfig
	Quality   QualityConfig
	Retrieval RetrievalConfig
	Indexer   IndexerConfig
	Artifacts ArtifactsConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
	RateLimit    int
	RateBurst    int

	// AllowedOrigins feeds CORS and the CSP connect-src list.
	AllowedOrigins []string
	Development    bool
	MaxQueryLength int
}

type Neo4jConfig struct {
	Enabled  bool
	URI      string
	Username string
	Password string
	Database string
}

type ZillizConfig struct {
	Enabled        bool
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	TTLHours int
}

type LLMConfig struct {
	Provider       string
	Model          string
	APIKey         string
	BaseURL        string
	Temperature    float32
	MaxTokens      int
	EmbeddingModel string
	EmbeddingDim   int
}

type MinIOConfig struct {
	Enabled   bool
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

// PipelineConfig controls the corpus build.
type PipelineConfig struct {
	ChunkSize    int
	ChunkOverlap int
	Workers      int
}

type DetectionConfig struct {
	RulesFile string
	Watch     bool
}

type QualityConfig struct {
	CompletenessWeight float64
	CoverageWeight     float64
	IntegrityWeight    float64
	ExcellentMin       float64
	GoodMin            float64
	FairMin            float64
}

type RetrievalConfig struct {
	TopK                int
	SimilarityWeight    float64
	LexicalWeight       float64
	ContextWeight       float64
	SimilarityFloor     float64
	LowConfidence       float64
	StrongMatchScore    float64
	MinStrongMatches    int
	SparsePenalty       float64
	DisagreementSpread  float64
	DisagreementPenalty float64
	UnconfirmedWeight   float64
	MaxContextChunks    int
	EmbedTimeoutSec     int
	SearchTimeoutSec    int
	GenerateTimeoutSec  int
}

type IndexerConfig struct {
	BatchSize      int
	RequestsPerSec float64
	MaxAttempts    int
}

type ArtifactsConfig struct {
	Dir string
}

// Load reads config.yaml from the working directory, ./config or
// /etc/vet-kb, then applies VETKB_* environment overrides.
func Load() (*Config, error) {
	return load("")
}

// LoadFile reads the given config file instead of searching for one.
func LoadFile(path string) (*Config, error) {
	return load(path)
}

func load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/vet-kb")
	}

	v.SetEnvPrefix("VETKB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Pipeline.ChunkSize <= 0 {
		return fmt.Errorf("pipeline.chunkSize must be positive, got %d", c.Pipeline.ChunkSize)
	}
	if c.Pipeline.ChunkOverlap < 0 || c.Pipeline.ChunkOverlap >= c.Pipeline.ChunkSize {
		return fmt.Errorf("pipeline.chunkOverlap must be in [0, chunkSize), got %d", c.Pipeline.ChunkOverlap)
	}
	if c.Retrieval.TopK < 1 || c.Retrieval.TopK > 50 {
		return fmt.Errorf("retrieval.topK must be between 1 and 50, got %d", c.Retrieval.TopK)
	}
	if c.Retrieval.SimilarityWeight+c.Retrieval.LexicalWeight <= 0 {
		return fmt.Errorf("retrieval similarity and lexical weights must sum to a positive value")
	}
	for name, v := range map[string]float64{
		"retrieval.similarityFloor": c.Retrieval.SimilarityFloor,
		"retrieval.lowConfidence":   c.Retrieval.LowConfidence,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0, 1], got %g", name, v)
		}
	}
	w := c.Quality.CompletenessWeight + c.Quality.CoverageWeight + c.Quality.IntegrityWeight
	if w <= 0 {
		return fmt.Errorf("quality weights must sum to a positive value")
	}
	if !(c.Quality.ExcellentMin >= c.Quality.GoodMin && c.Quality.GoodMin >= c.Quality.FairMin) {
		return fmt.Errorf("quality grade floors must be ordered excellent >= good >= fair")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 60)
	v.SetDefault("server.bodyLimit", 52428800)
	v.SetDefault("server.rateLimit", 5)
	v.SetDefault("server.rateBurst", 20)
	v.SetDefault("server.allowedOrigins", []string{"*"})
	v.SetDefault("server.development", false)
	v.SetDefault("server.maxQueryLength", 2000)

	v.SetDefault("neo4j.enabled", false)
	v.SetDefault("neo4j.uri", "bolt://localhost:7687")
	v.SetDefault("neo4j.username", "neo4j")
	v.SetDefault("neo4j.password", "password")
	v.SetDefault("neo4j.database", "neo4j")

	v.SetDefault("zilliz.enabled", false)
	v.SetDefault("zilliz.endpoint", "localhost:19530")
	v.SetDefault("zilliz.collectionName", "veterinary_drug_chunks")
	v.SetDefault("zilliz.vectorDim", 1536)

	v.SetDefault("sqlite.path", "./data/vetkb.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttlHours", 168)

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.maxTokens", 1024)
	v.SetDefault("llm.embeddingModel", "text-embedding-3-small")
	v.SetDefault("llm.embeddingDim", 1536)

	v.SetDefault("minio.enabled", false)
	v.SetDefault("minio.endpoint", "localhost:9000")
	v.SetDefault("minio.bucket", "vet-kb-artifacts")
	v.SetDefault("minio.useSSL", false)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "vetkb.pipeline")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("pipeline.chunkSize", 1200)
	v.SetDefault("pipeline.chunkOverlap", 200)
	v.SetDefault("pipeline.workers", 8)

	v.SetDefault("detection.rulesFile", "")
	v.SetDefault("detection.watch", false)

	v.SetDefault("quality.completenessWeight", 0.4)
	v.SetDefault("quality.coverageWeight", 0.25)
	v.SetDefault("quality.integrityWeight", 0.35)
	v.SetDefault("quality.excellentMin", 90)
	v.SetDefault("quality.goodMin", 75)
	v.SetDefault("quality.fairMin", 65)

	v.SetDefault("retrieval.topK", 15)
	v.SetDefault("retrieval.similarityWeight", 0.6)
	v.SetDefault("retrieval.lexicalWeight", 0.25)
	v.SetDefault("retrieval.contextWeight", 0.15)
	v.SetDefault("retrieval.similarityFloor", 0.3)
	v.SetDefault("retrieval.lowConfidence", 0.5)
	v.SetDefault("retrieval.strongMatchScore", 0.6)
	v.SetDefault("retrieval.minStrongMatches", 3)
	v.SetDefault("retrieval.sparsePenalty", 0.15)
	v.SetDefault("retrieval.disagreementSpread", 0.25)
	v.SetDefault("retrieval.disagreementPenalty", 0.1)
	v.SetDefault("retrieval.unconfirmedWeight", 0.5)
	v.SetDefault("retrieval.maxContextChunks", 5)
	v.SetDefault("retrieval.embedTimeoutSec", 15)
	v.SetDefault("retrieval.searchTimeoutSec", 10)
	v.SetDefault("retrieval.generateTimeoutSec", 30)

	v.SetDefault("indexer.batchSize", 20)
	v.SetDefault("indexer.requestsPerSec", 2)
	v.SetDefault("indexer.maxAttempts", 3)

	v.SetDefault("artifacts.dir", "./data/artifacts")
}
