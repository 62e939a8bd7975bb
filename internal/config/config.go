// Package config loads the RAG service's configuration from the process
// environment, following the read-then-default shape of the teacher's
// internal/config/loader.go: every setting is read as a string, parsed with
// a tolerant helper, and defaulted after the whole pass completes.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// fileConfig holds the operational, non-secret knobs a deployer may want
// to check into a config.yaml alongside the service rather than repeat as
// environment variables every time (§6.3). Provider credentials are never
// read from this file, matching the teacher's config.yaml convention of
// keeping secrets in the environment and structure in YAML.
type fileConfig struct {
	ListenAddr string `yaml:"listenAddr"`

	VectorStore struct {
		URL        string `yaml:"url"`
		Collection string `yaml:"collection"`
		Dimension  int    `yaml:"dimension"`
		Metric     string `yaml:"metric"`
		BatchSize  int    `yaml:"batchSize"`
	} `yaml:"vectorStore"`

	RateLimitRPM int `yaml:"rateLimitRPM"`

	Chunking struct {
		Size     int    `yaml:"size"`
		Overlap  int    `yaml:"overlap"`
		Strategy string `yaml:"strategy"`
	} `yaml:"chunking"`

	EnableMetadataDefault *bool `yaml:"enableMetadataDefault"`
	PipelineConcurrency   int   `yaml:"pipelineConcurrency"`
	ProgressTTLSeconds    int   `yaml:"progressTTLSeconds"`

	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`
}

// loadFileConfig looks for config.yaml or config.yml in the current
// working directory, matching the teacher's internal/config/loader.go
// search order. Absence is not an error: every field simply stays at its
// zero value and the environment/hardcoded defaults apply instead.
func loadFileConfig() fileConfig {
	var fc fileConfig
	for _, path := range []string{"config.yaml", "config.yml"} {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, &fc); err != nil {
			fmt.Fprintf(os.Stderr, "config: failed to parse %s: %v\n", path, err)
			continue
		}
		break
	}
	return fc
}

// ProviderConfig holds the credentials and model selection for one pluggable
// provider slot (embeddings, metadata enrichment, or question answering).
type ProviderConfig struct {
	Name    string // "openai", "anthropic", "google"
	APIKey  string
	Model   string
	BaseURL string
}

// VectorStoreConfig points at the external vector database.
type VectorStoreConfig struct {
	URL         string
	APIKey      string
	Collection  string
	Dimension   int
	Metric      string
	BatchSize   int
}

// ChunkingConfig holds the chunker's defaults; requests may override them.
type ChunkingConfig struct {
	Size     int
	Overlap  int
	Strategy string
}

// ObsConfig configures the optional OTLP exporter pair. With OTLP empty,
// InitOTel returns an error and the supervisor logs a warning and runs
// without exporters.
type ObsConfig struct {
	OTLP           string
	ServiceName    string
	ServiceVersion string
	Environment    string
}

// Config is the fully resolved, validated configuration for one process.
type Config struct {
	ListenAddr string

	Embeddings ProviderConfig
	Metadata   ProviderConfig
	QA         ProviderConfig

	VectorStore VectorStoreConfig

	RateLimitRPM int

	Chunking ChunkingConfig

	EnableMetadataDefault bool
	PipelineConcurrency   int
	ProgressTTLSeconds    int

	LogLevel  string
	LogFormat string
	LogPath   string

	Obs ObsConfig
}

// Load reads the environment (after an optional .env overlay) into a
// validated Config. A local .env file, if present, wins over already-set
// process environment variables, matching the teacher's godotenv.Overload
// semantics for development convenience.
func Load() (Config, error) {
	_ = godotenv.Overload()
	fc := loadFileConfig()

	var cfg Config
	cfg.ListenAddr = firstNonEmpty(os.Getenv("LISTEN_ADDR"), fc.ListenAddr, ":8080")

	cfg.Embeddings = ProviderConfig{
		Name:    firstNonEmpty(os.Getenv("EMBEDDINGS_PROVIDER"), "openai"),
		BaseURL: os.Getenv("EMBEDDINGS_BASE_URL"),
	}
	cfg.Metadata = ProviderConfig{
		Name:    firstNonEmpty(os.Getenv("METADATA_PROVIDER"), "openai"),
		BaseURL: os.Getenv("METADATA_BASE_URL"),
	}
	cfg.QA = ProviderConfig{
		Name:    firstNonEmpty(os.Getenv("QA_PROVIDER"), "openai"),
		BaseURL: os.Getenv("QA_BASE_URL"),
	}
	resolveProviderCreds(&cfg.Embeddings)
	resolveProviderCreds(&cfg.Metadata)
	resolveProviderCreds(&cfg.QA)

	cfg.VectorStore = VectorStoreConfig{
		URL:        firstNonEmpty(os.Getenv("VECTOR_STORE_URL"), fc.VectorStore.URL),
		APIKey:     os.Getenv("VECTOR_STORE_API_KEY"),
		Collection: firstNonEmpty(os.Getenv("VECTOR_STORE_COLLECTION"), fc.VectorStore.Collection, "rag_documents"),
		Dimension:  parseInt(os.Getenv("VECTOR_STORE_DIMENSION"), firstPositiveInt(fc.VectorStore.Dimension, 1536)),
		Metric:     firstNonEmpty(os.Getenv("VECTOR_STORE_METRIC"), fc.VectorStore.Metric, "cosine"),
		BatchSize:  parseInt(os.Getenv("VECTOR_STORE_BATCH_SIZE"), firstPositiveInt(fc.VectorStore.BatchSize, 100)),
	}

	cfg.RateLimitRPM = parseInt(os.Getenv("RATE_LIMIT_RPM"), firstPositiveInt(fc.RateLimitRPM, 10))

	cfg.Chunking = ChunkingConfig{
		Size:     parseInt(os.Getenv("CHUNK_SIZE"), firstPositiveInt(fc.Chunking.Size, 512)),
		Overlap:  parseInt(os.Getenv("CHUNK_OVERLAP"), firstPositiveInt(fc.Chunking.Overlap, 50)),
		Strategy: firstNonEmpty(os.Getenv("DEFAULT_CHUNKING_STRATEGY"), fc.Chunking.Strategy, "recursive"),
	}

	metadataDefault := true
	if fc.EnableMetadataDefault != nil {
		metadataDefault = *fc.EnableMetadataDefault
	}
	cfg.EnableMetadataDefault = parseBool(os.Getenv("ENABLE_METADATA_DEFAULT"), metadataDefault)
	cfg.PipelineConcurrency = parseInt(os.Getenv("PIPELINE_CONCURRENCY"), firstPositiveInt(fc.PipelineConcurrency, 8))
	cfg.ProgressTTLSeconds = parseInt(os.Getenv("PROGRESS_TTL_SECONDS"), firstPositiveInt(fc.ProgressTTLSeconds, 300))

	cfg.LogLevel = firstNonEmpty(os.Getenv("LOG_LEVEL"), fc.LogLevel, "info")
	cfg.LogFormat = firstNonEmpty(os.Getenv("LOG_FORMAT"), fc.LogFormat, "json")
	cfg.LogPath = os.Getenv("LOG_PATH")

	cfg.Obs = ObsConfig{
		OTLP:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ServiceName:    firstNonEmpty(os.Getenv("OTEL_SERVICE_NAME"), "rag-service"),
		ServiceVersion: firstNonEmpty(os.Getenv("SERVICE_VERSION"), "dev"),
		Environment:    firstNonEmpty(os.Getenv("ENVIRONMENT"), "development"),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func resolveProviderCreds(p *ProviderConfig) {
	prefix := strings.ToUpper(p.Name)
	p.APIKey = firstNonEmpty(os.Getenv(prefix+"_API_KEY"), p.APIKey)
	p.Model = os.Getenv(prefix + "_MODEL")
}

func (c Config) validate() error {
	if c.VectorStore.URL == "" {
		return fmt.Errorf("config: VECTOR_STORE_URL is required")
	}
	if c.RateLimitRPM <= 0 {
		return fmt.Errorf("config: RATE_LIMIT_RPM must be > 0")
	}
	if c.Chunking.Size <= 0 {
		return fmt.Errorf("config: CHUNK_SIZE must be > 0")
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.Size {
		return fmt.Errorf("config: CHUNK_OVERLAP must be >= 0 and < CHUNK_SIZE")
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// firstPositiveInt returns the first of vals that is > 0, or the last
// value given (the hardcoded default) if none are. Used to let a
// config.yaml value stand in for the hardcoded default without a YAML
// zero value (field simply absent from the file) masking it.
func firstPositiveInt(vals ...int) int {
	for _, v := range vals[:len(vals)-1] {
		if v > 0 {
			return v
		}
	}
	return vals[len(vals)-1]
}

func parseInt(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func parseBool(s string, def bool) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return def
	}
	return b
}
