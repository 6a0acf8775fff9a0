package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"pdf-vector-ingest/models"

	"github.com/joho/godotenv"
)

type Config struct {
	// MongoDB
	MongoURI       string
	MongoUser      string
	MongoPass      string
	MongoHost      string
	MongoAppName   string
	DBName         string
	CollectionName string

	// Atlas Vector Search
	VectorIndexName     string
	VectorField         string
	VectorDimensions    int
	VectorSimilarity    string
	IndexReadyTimeout   time.Duration
	IndexPollInterval   time.Duration
	IndexSettleDelay    time.Duration
	NumCandidatesFactor int
	Deduplicate         bool

	// Embeddings configuration
	EmbeddingsProvider    string // "cohere" (default), "zhipu", "openai", "google"
	CohereAPIKey          string
	CohereModel           string
	CohereBaseURL         string
	ZhipuAPIKey           string
	ZhipuModel            string
	ZhipuBaseURL          string
	OpenAIAPIKey          string
	OpenAIEmbeddingsModel string
	OpenAIBaseURL         string
	GeminiAPIKey          string
	GoogleEmbeddingsModel string
	EmbedTimeout          time.Duration
	EmbedMaxRetries       int
	EmbedRPM              int
	EmbedCache            bool
	EmbedCacheTTL         time.Duration

	// Chunking
	ChunkSize       int
	ChunkOverlap    int
	ChunkSeparators []string
	LengthFunction  string // "chars" or "tokens"
	AddStartIndex   bool

	// Loaders
	MaxFileSize     int64
	PDFValidate     bool
	WebTimeout      time.Duration
	WebRenderJS     bool
	WebWaitSelector string
	UploadDir       string

	// Redis Configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// Runtime
	Port         string
	GinMode      string
	LogLevel     string
	LogFormat    string
	OTelEnabled  bool
	OTelEndpoint string
	QueriesFile  string
	SearchK      int

	// HTTP API
	JWTSecret       string
	CORSOrigins     []string
	RateLimitReqs   int
	RateLimitWindow int // seconds

	// Scheduled re-ingestion (worker)
	IngestSchedule string
	IngestSources  []string
}

func LoadConfig() (*Config, error) {
	// Load .env file if exists
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("error loading .env file: %v", err)
		}
	}

	cfg := &Config{
		MongoURI:       getEnv("MONGO_URI", ""),
		MongoUser:      getEnv("MONGO_USER", ""),
		MongoPass:      getEnv("MONGO_PASS", ""),
		MongoHost:      getEnv("MONGO_HOST", ""),
		MongoAppName:   getEnv("MONGO_APP_NAME", "pdf-vector-ingest"),
		DBName:         getEnv("DB_NAME", "D01"),
		CollectionName: getEnv("COLLECTION_NAME", "pdf-test"),

		// Atlas Vector Search
		VectorIndexName:     getEnv("VECTOR_INDEX", "vector_index"),
		VectorField:         getEnv("VECTOR_FIELD", "embedding"),
		VectorDimensions:    getEnvInt("VECTOR_DIM", 1024),
		VectorSimilarity:    getEnv("VECTOR_SIMILARITY", "cosine"),
		IndexReadyTimeout:   getEnvDuration("INDEX_READY_TIMEOUT", 2*time.Minute),
		IndexPollInterval:   getEnvDuration("INDEX_POLL_INTERVAL", 2*time.Second),
		IndexSettleDelay:    getEnvDuration("INDEX_SETTLE_DELAY", 5*time.Second),
		NumCandidatesFactor: getEnvInt("NUM_CANDIDATES_FACTOR", 10),
		Deduplicate:         getEnvBool("DEDUPLICATE", false),

		// Embeddings
		EmbeddingsProvider:    strings.ToLower(getEnv("EMBEDDINGS_PROVIDER", "cohere")),
		CohereAPIKey:          getEnv("COHERE_API_KEY", ""),
		CohereModel:           getEnv("COHERE_MODEL", "embed-english-v3.0"),
		CohereBaseURL:         getEnv("COHERE_BASE_URL", "https://api.cohere.com"),
		ZhipuAPIKey:           getEnv("ZHIPU_API_KEY", ""),
		ZhipuModel:            getEnv("ZHIPU_MODEL", "embedding-3"),
		ZhipuBaseURL:          getEnv("ZHIPU_BASE_URL", "https://open.bigmodel.cn/api/paas/v4"),
		OpenAIAPIKey:          getEnv("OPENAI_API_KEY", ""),
		OpenAIEmbeddingsModel: getEnv("OPENAI_EMBEDDINGS_MODEL", "text-embedding-3-small"),
		OpenAIBaseURL:         getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		GeminiAPIKey:          getEnv("GEMINI_API_KEY", ""),
		GoogleEmbeddingsModel: getEnv("GOOGLE_EMBEDDINGS_MODEL", "text-embedding-004"),
		EmbedTimeout:          getEnvDuration("EMBED_TIMEOUT", 30*time.Second),
		EmbedMaxRetries:       getEnvInt("EMBED_MAX_RETRIES", 0),
		EmbedRPM:              getEnvInt("EMBED_RPM", 0),
		EmbedCache:            getEnvBool("EMBED_CACHE", false),
		EmbedCacheTTL:         getEnvDuration("EMBED_CACHE_TTL", 24*time.Hour),

		// Chunking
		ChunkSize:       getEnvInt("CHUNK_SIZE", 400),
		ChunkOverlap:    getEnvInt("CHUNK_OVERLAP", 20),
		ChunkSeparators: parseSeparators(getEnv("CHUNK_SEPARATORS", "")),
		LengthFunction:  strings.ToLower(getEnv("LENGTH_FUNCTION", "chars")),
		AddStartIndex:   getEnvBool("ADD_START_INDEX", true),

		MaxFileSize:     getEnvInt64("MAX_FILE_SIZE", 104857600), // 100MB
		PDFValidate:     getEnvBool("PDF_VALIDATE", false),
		WebTimeout:      getEnvDuration("WEB_TIMEOUT", 30*time.Second),
		WebRenderJS:     getEnvBool("WEB_RENDER_JS", false),
		WebWaitSelector: getEnv("WEB_WAIT_SELECTOR", ""),
		UploadDir:       getEnv("UPLOAD_DIR", "./uploads"),

		// Redis Configuration
		RedisURL:      getEnv("REDIS_URL", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		Port:         getEnv("PORT", "8080"),
		GinMode:      getEnv("GIN_MODE", "release"),
		LogLevel:     getEnv("LOG_LEVEL", ""),
		LogFormat:    getEnv("LOG_FORMAT", "json"),
		OTelEnabled:  getEnvBool("OTEL_ENABLED", false),
		OTelEndpoint: getEnv("OTEL_ENDPOINT", "localhost:4317"),
		QueriesFile:  getEnv("QUERIES_FILE", ""),
		SearchK:      getEnvInt("SEARCH_K", 3),

		JWTSecret:       getEnv("JWT_SECRET", ""),
		CORSOrigins:     splitList(getEnv("CORS_ORIGINS", "*")),
		RateLimitReqs:   getEnvInt("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow: getEnvInt("RATE_LIMIT_WINDOW", 60),

		IngestSchedule: getEnv("INGEST_SCHEDULE", ""),
		IngestSources:  splitList(getEnv("INGEST_SOURCES", "")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks values that every command depends on. Provider credentials
// are checked when the embedder is built.
func (c *Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("CHUNK_SIZE must be positive, got %d", c.ChunkSize)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("CHUNK_OVERLAP must be in [0, CHUNK_SIZE), got %d", c.ChunkOverlap)
	}
	if c.LengthFunction != "chars" && c.LengthFunction != "tokens" {
		return fmt.Errorf("LENGTH_FUNCTION must be chars or tokens, got %q", c.LengthFunction)
	}
	if c.SearchK <= 0 {
		return fmt.Errorf("SEARCH_K must be positive, got %d", c.SearchK)
	}
	if c.NumCandidatesFactor <= 0 {
		return fmt.Errorf("NUM_CANDIDATES_FACTOR must be positive, got %d", c.NumCandidatesFactor)
	}
	if _, err := c.Index(); err != nil {
		return err
	}
	if c.IngestSchedule != "" && len(c.IngestSources) == 0 {
		return fmt.Errorf("INGEST_SCHEDULE is set but INGEST_SOURCES is empty")
	}
	return nil
}

// MongoConnectionString returns MONGO_URI, or builds an Atlas SRV string from
// MONGO_USER, MONGO_PASS and MONGO_HOST.
func (c *Config) MongoConnectionString() (string, error) {
	if c.MongoURI != "" {
		return c.MongoURI, nil
	}
	if c.MongoUser == "" || c.MongoPass == "" || c.MongoHost == "" {
		return "", fmt.Errorf("MONGO_URI or MONGO_USER, MONGO_PASS and MONGO_HOST are required")
	}
	u := url.URL{
		Scheme: "mongodb+srv",
		User:   url.UserPassword(c.MongoUser, c.MongoPass),
		Host:   c.MongoHost,
		Path:   "/" + c.DBName,
	}
	q := url.Values{}
	q.Set("retryWrites", "true")
	q.Set("w", "majority")
	q.Set("appName", c.MongoAppName)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Index returns the vector index declaration.
func (c *Config) Index() (models.VectorIndexConfig, error) {
	sim, err := models.ParseSimilarity(c.VectorSimilarity)
	if err != nil {
		return models.VectorIndexConfig{}, err
	}
	idx := models.VectorIndexConfig{
		Name:       c.VectorIndexName,
		Field:      c.VectorField,
		Dimension:  c.VectorDimensions,
		Similarity: sim,
	}
	if err := idx.Validate(); err != nil {
		return models.VectorIndexConfig{}, err
	}
	return idx, nil
}

// parseSeparators reads a comma separated list; "\n" and "\t" escapes are
// expanded and "\," keeps a literal comma. Empty input means the defaults.
func parseSeparators(raw string) []string {
	if raw == "" {
		return nil
	}
	var (
		out []string
		cur strings.Builder
	)
	for i := 0; i < len(raw); i++ {
		ch := raw[i]
		if ch == '\\' && i+1 < len(raw) {
			i++
			switch raw[i] {
			case 'n':
				cur.WriteByte('\n')
			case 't':
				cur.WriteByte('\t')
			case 's':
				cur.WriteByte(' ')
			case ',':
				cur.WriteByte(',')
			case '\\':
				cur.WriteByte('\\')
			default:
				cur.WriteByte('\\')
				cur.WriteByte(raw[i])
			}
			continue
		}
		if ch == ',' {
			out = append(out, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteByte(ch)
	}
	out = append(out, cur.String())
	return out
}

// splitList splits a comma separated value, dropping blanks.
func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		// Bare integers are seconds.
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
