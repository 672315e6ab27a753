package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
)

const (
	DBDriverMongo  = "mongo"
	DBDriverSQLite = "sqlite"

	VectorStoreWeaviate = "weaviate"
	VectorStoreSQLite   = "sqlite"

	LLMProviderGemini = "gemini"
	LLMProviderOpenAI = "openai"
)

// Config holds the service configuration. Values come from the environment
// (optionally seeded from a .env file).
type Config struct {
	Environment string `envconfig:"ENV" default:"development"`
	Port        string `envconfig:"PORT" default:"8080"`
	Host        string `envconfig:"HOST" default:"http://localhost:8080"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	TrustProxy  bool   `envconfig:"TRUST_PROXY" default:"false"`

	// CORS: from ALLOWED_ORIGINS or FRONTEND_URL(s); must include the production frontend origin.
	AllowedOriginsRaw string   `envconfig:"ALLOWED_ORIGINS" default:""`
	FrontendURL       string   `envconfig:"FRONTEND_URL" default:"http://localhost:3000"`
	FrontendURL2      string   `envconfig:"FRONTEND_URL_2" default:""`
	AllowedOrigins    []string `ignored:"true"`
	AllowedHost       string   `ignored:"true"` // hostname only, production host check

	// Conversation store
	DBDriver   string `envconfig:"CLARA_DB_DRIVER" default:"mongo"`
	MongoURI   string `envconfig:"MONGODB_URI" default:"mongodb://localhost:27017/clara"`
	SQLitePath string `envconfig:"CLARA_SQLITE_PATH" default:"clara.db"`

	// Credentials, sessions, caches
	PostgresURI string `envconfig:"POSTGRES_URI" default:"postgres://localhost:5432/clara?sslmode=disable"`
	RedisURI    string `envconfig:"REDIS_URI" default:"redis://localhost:6379/0"`

	EncryptionKey      string `envconfig:"ENCRYPTION_KEY" default:""`
	UserIDSalt         string `envconfig:"USER_ID_SALT" default:""`
	PreviousUserIDSalt string `envconfig:"USER_ID_SALT_PREVIOUS" default:""`
	JWTSecret          string `envconfig:"JWT_SECRET" default:"your-secret-key-change-in-production"`

	// Plans and access
	ForcePlan         string   `envconfig:"CLARA_FORCE_PLAN" default:""`
	RequireAccessCode bool     `envconfig:"CLARA_REQUIRE_ACCESS_CODE" default:"true"`
	BetaAccessKey     string   `envconfig:"BETA_ACCESS_KEY" default:""`
	DeveloperKey      string   `envconfig:"DEVELOPER_KEY" default:""`
	MasterEmails      []string `envconfig:"MASTER_EMAILS" default:""`
	MasterDomains     []string `envconfig:"MASTER_DOMAINS" default:""`
	AdminKey          string   `envconfig:"CLARA_ADMIN_KEY" default:""`

	// Language model
	LLMProvider   string `envconfig:"CLARA_LLM_PROVIDER" default:"gemini"`
	GeminiAPIKey  string `envconfig:"GEMINI_API_KEY" default:""`
	GeminiBaseURL string `envconfig:"GEMINI_BASE_URL" default:"https://generativelanguage.googleapis.com"`
	OpenAIAPIKey  string `envconfig:"OPENAI_API_KEY" default:""`
	OpenAIBaseURL string `envconfig:"OPENAI_BASE_URL" default:""`
	PersonaModel  string `envconfig:"CLARA_PERSONA_MODEL" default:"gemini-2.5-pro"`
	FastModel     string `envconfig:"CLARA_FAST_MODEL" default:"gemini-2.5-flash"`
	PromptsFile   string `envconfig:"CLARA_PROMPTS_FILE" default:""`

	// Semantic memory
	VectorStore     string `envconfig:"CLARA_VECTOR_STORE" default:"weaviate"`
	WeaviateURL     string `envconfig:"WEAVIATE_URL" default:"localhost:8081"`
	WeaviateScheme  string `envconfig:"WEAVIATE_SCHEME" default:"http"`
	EmbedModel      string `envconfig:"CLARA_EMBED_MODEL" default:"text-embedding-004"`
	EmbedDimensions int    `envconfig:"CLARA_EMBED_DIMENSIONS" default:"768"`

	// Time context
	HomeTimezone string `envconfig:"CLARA_HOME_TZ" default:"Europe/London"`
	HomeCity     string `envconfig:"CLARA_HOME_CITY" default:"London"`

	CloudinaryName      string `envconfig:"CLOUDINARY_CLOUD_NAME" default:""`
	CloudinaryAPIKey    string `envconfig:"CLOUDINARY_API_KEY" default:""`
	CloudinaryAPISecret string `envconfig:"CLOUDINARY_API_SECRET" default:""`
}

// Load reads .env (if present) and the environment, then resolves derived values.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found")
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}
	if err := cfg.ResolveDefaults(); err != nil {
		return nil, err
	}

	log.Info().
		Str("env", cfg.Environment).
		Str("port", cfg.Port).
		Str("db_driver", cfg.DBDriver).
		Str("vector_store", cfg.VectorStore).
		Str("llm_provider", cfg.LLMProvider).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Msg("configuration loaded")

	return &cfg, nil
}

// ResolveDefaults validates driver choices and derives CORS origins and the
// production host.
func (c *Config) ResolveDefaults() error {
	c.Environment = strings.ToLower(strings.TrimSpace(c.Environment))
	c.DBDriver = strings.ToLower(strings.TrimSpace(c.DBDriver))
	c.VectorStore = strings.ToLower(strings.TrimSpace(c.VectorStore))
	c.LLMProvider = strings.ToLower(strings.TrimSpace(c.LLMProvider))

	switch c.DBDriver {
	case DBDriverMongo, DBDriverSQLite:
	default:
		return fmt.Errorf("unsupported CLARA_DB_DRIVER: %s", c.DBDriver)
	}
	switch c.VectorStore {
	case VectorStoreWeaviate, VectorStoreSQLite:
	default:
		return fmt.Errorf("unsupported CLARA_VECTOR_STORE: %s", c.VectorStore)
	}
	switch c.LLMProvider {
	case LLMProviderGemini, LLMProviderOpenAI:
	default:
		return fmt.Errorf("unsupported CLARA_LLM_PROVIDER: %s", c.LLMProvider)
	}

	// An unknown forced plan is ignored rather than rejected.
	c.ForcePlan = strings.ToLower(strings.TrimSpace(c.ForcePlan))
	if c.ForcePlan != "free" && c.ForcePlan != "plus" {
		c.ForcePlan = ""
	}

	c.MasterEmails = trimAll(c.MasterEmails)
	c.MasterDomains = trimAll(c.MasterDomains)

	if c.IsProduction() {
		c.AllowedHost = bareHost(c.Host)
	}

	origins := parseOrigins(c.AllowedOriginsRaw)
	if len(origins) == 0 {
		for _, u := range []string{c.FrontendURL, c.FrontendURL2} {
			if u = strings.TrimSpace(u); u != "" {
				origins = append(origins, u)
			}
		}
	}
	// A backend host like api.example.com also admits https://example.com and https://www.example.com.
	if h := bareHost(c.Host); h != "" && h != "localhost" {
		if parts := strings.Split(h, "."); len(parts) >= 2 {
			domain := strings.Join(parts[1:], ".")
			for _, o := range []string{"https://" + domain, "https://www." + domain} {
				if !containsOrigin(origins, o) {
					origins = append(origins, o)
				}
			}
		}
	}
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	c.AllowedOrigins = origins
	return nil
}

// IsProduction returns true when ENV is set to "production".
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// NewForTesting returns a configuration backed by local SQLite stores.
func NewForTesting() *Config {
	cfg := &Config{
		Environment:       "testing",
		Port:              "0",
		Host:              "http://localhost:8080",
		LogLevel:          "debug",
		FrontendURL:       "http://localhost:3000",
		DBDriver:          DBDriverSQLite,
		SQLitePath:        ":memory:",
		VectorStore:       VectorStoreSQLite,
		LLMProvider:       LLMProviderGemini,
		GeminiBaseURL:     "http://localhost:0",
		PersonaModel:      "gemini-2.5-pro",
		FastModel:         "gemini-2.5-flash",
		EmbedModel:        "text-embedding-004",
		EmbedDimensions:   768,
		HomeTimezone:      "Europe/London",
		HomeCity:          "London",
		JWTSecret:         "test-secret",
		UserIDSalt:        "test-salt",
		RequireAccessCode: false,
	}
	_ = cfg.ResolveDefaults()
	return cfg
}

func bareHost(host string) string {
	for _, prefix := range []string{"https://", "http://"} {
		host = strings.TrimPrefix(host, prefix)
	}
	if idx := strings.Index(host, "/"); idx != -1 {
		host = host[:idx]
	}
	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return strings.TrimSpace(host)
}

func parseOrigins(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func containsOrigin(list []string, o string) bool {
	o = strings.TrimSpace(strings.ToLower(o))
	for _, v := range list {
		if strings.TrimSpace(strings.ToLower(v)) == o {
			return true
		}
	}
	return false
}

func trimAll(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
