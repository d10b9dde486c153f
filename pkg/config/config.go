package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	SQLite    SQLiteConfig
	Redis     RedisConfig
	Milvus    MilvusConfig
	Neo4j     Neo4jConfig
	LLM       LLMConfig
	Sources   SourcesConfig
	Synthesis SynthesisConfig
	Index     IndexConfig
	Query     QueryConfig
	Cache     CacheConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
	RateLimit    int
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type MilvusConfig struct {
	Endpoint       string
	CollectionName string
	VectorDim      int
}

type Neo4jConfig struct {
	URI      string
	Username string
	Password string
	Database string
}

type LLMConfig struct {
	APIKey         string
	Model          string
	EmbeddingModel string
	EmbeddingDim   int
	Temperature    float32
	MaxTokens      int
}

// SourcesConfig carries per-source-type trust weights and fetch behaviour.
type SourcesConfig struct {
	TrustWeights    map[string]float64
	FetchTimeoutSec int
	MaxRetries      int
}

type SynthesisConfig struct {
	NarrativeTimeoutSec int
	NarrativeMaxTokens  int
}

type IndexConfig struct {
	ChunkSize    int
	ChunkOverlap int
}

type QueryConfig struct {
	TopK             int
	SemanticWeight   float64
	StructuredWeight float64
	EndorseWeight    float64
	AnswerTimeoutSec int
	TimeoutSec       int
}

type CacheConfig struct {
	TTLSec int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/talentgraph")

	viper.SetEnvPrefix("TALENTGRAPH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 30)
	viper.SetDefault("server.bodyLimit", 10485760)
	viper.SetDefault("server.rateLimit", 60)

	viper.SetDefault("sqlite.path", "./data/talentgraph.db")

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("milvus.endpoint", "localhost:19530")
	viper.SetDefault("milvus.collectionName", "profile_chunks")
	viper.SetDefault("milvus.vectorDim", 1536)

	viper.SetDefault("neo4j.uri", "bolt://localhost:7687")
	viper.SetDefault("neo4j.username", "neo4j")
	viper.SetDefault("neo4j.password", "password")
	viper.SetDefault("neo4j.database", "neo4j")

	viper.SetDefault("llm.model", "gpt-4")
	viper.SetDefault("llm.embeddingModel", "text-embedding-3-large")
	viper.SetDefault("llm.embeddingDim", 1536)
	viper.SetDefault("llm.temperature", 0.2)
	viper.SetDefault("llm.maxTokens", 2048)

	viper.SetDefault("sources.trustWeights", map[string]float64{
		"user-declared": 1.0,
		"resume":        0.9,
		"repo-history":  0.8,
		"endorsement":   0.7,
		"article":       0.6,
	})
	viper.SetDefault("sources.fetchTimeoutSec", 15)
	viper.SetDefault("sources.maxRetries", 3)

	viper.SetDefault("synthesis.narrativeTimeoutSec", 20)
	viper.SetDefault("synthesis.narrativeMaxTokens", 600)

	viper.SetDefault("index.chunkSize", 1000)
	viper.SetDefault("index.chunkOverlap", 100)

	viper.SetDefault("query.topK", 10)
	viper.SetDefault("query.semanticWeight", 0.65)
	viper.SetDefault("query.structuredWeight", 0.25)
	viper.SetDefault("query.endorseWeight", 0.10)
	viper.SetDefault("query.answerTimeoutSec", 20)
	viper.SetDefault("query.timeoutSec", 30)

	viper.SetDefault("cache.ttlSec", 300)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
