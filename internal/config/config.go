package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	DBPath     string
	LedgerPath string
	LogMode    string

	CatalogBaseURL      string
	CatalogTokenPath    string
	CatalogAPIPrefix    string
	CatalogClientID     string
	CatalogClientSecret string
	CatalogUsername     string
	CatalogPassword     string
	CatalogRateLimitRPS int
	CatalogTimeoutMs    int
	CatalogTokenTTLSec  int
	CatalogTokenMargin  int
	CatalogStrict       bool

	Channel string
	Locale  string

	TitleField           string
	DescriptionField     string
	SEOFlagField         string
	MetaTitleField       string
	MetaDescriptionField string
	TechnicalFields      []string

	StorefrontURLTemplate string

	GenProvider      string
	GenModel         string
	GenTemperature   float64
	GenMaxTokens     int
	GenTimeoutSec    int
	GenPromptsPath   string
	GenPromptProfile string
	GenMeta          bool

	OpenAIAPIKey  string
	OpenAIBaseURL string
	GeminiAPIKey  string
	GeminiBaseURL string

	BatchWidth          int
	QualityErrorFloor   int
	QualityWarningFloor int
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		DBPath:     getEnv("PIMSYNC_DB_PATH", filepath.Join(cwd, "data", "sessions.db")),
		LedgerPath: getEnv("PIMSYNC_LEDGER_PATH", filepath.Join(cwd, "data", "ledger.json")),
		LogMode:    getEnv("LOG_MODE", "dev"),

		CatalogBaseURL:      getEnv("CATALOG_BASE_URL", ""),
		CatalogTokenPath:    getEnv("CATALOG_TOKEN_PATH", "/api/oauth/v1/token"),
		CatalogAPIPrefix:    getEnv("CATALOG_API_PREFIX", "/api/rest/v1"),
		CatalogClientID:     getEnv("CATALOG_CLIENT_ID", ""),
		CatalogClientSecret: getEnv("CATALOG_CLIENT_SECRET", ""),
		CatalogUsername:     getEnv("CATALOG_USERNAME", ""),
		CatalogPassword:     getEnv("CATALOG_PASSWORD", ""),
		CatalogRateLimitRPS: getEnvInt("CATALOG_RATE_LIMIT_RPS", 10),
		CatalogTimeoutMs:    getEnvInt("CATALOG_TIMEOUT_MS", 30000),
		CatalogTokenTTLSec:  getEnvInt("CATALOG_TOKEN_TTL_SEC", 3600),
		CatalogTokenMargin:  getEnvInt("CATALOG_TOKEN_MARGIN_SEC", 300),
		CatalogStrict:       getEnvBool("CATALOG_STRICT_CONTEXT", false),

		Channel: getEnv("CATALOG_CHANNEL", "ecommerce"),
		Locale:  getEnv("CATALOG_LOCALE", "en_US"),

		TitleField:           getEnv("CATALOG_TITLE_FIELD", "name"),
		DescriptionField:     getEnv("CATALOG_DESCRIPTION_FIELD", "description"),
		SEOFlagField:         getEnv("CATALOG_SEO_FLAG_FIELD", "seo_reviewed"),
		MetaTitleField:       getEnv("CATALOG_META_TITLE_FIELD", "meta_title"),
		MetaDescriptionField: getEnv("CATALOG_META_DESCRIPTION_FIELD", "meta_description"),
		TechnicalFields:      getEnvList("CATALOG_TECHNICAL_FIELDS", []string{"author", "publisher", "publication_year", "pages", "isbn"}),

		StorefrontURLTemplate: getEnv("STOREFRONT_URL_TEMPLATE", ""),

		GenProvider:      getEnv("GEN_PROVIDER", "openai"),
		GenModel:         getEnv("GEN_MODEL", "gpt-4o-mini"),
		GenTemperature:   getEnvFloat("GEN_TEMPERATURE", 0.7),
		GenMaxTokens:     getEnvInt("GEN_MAX_TOKENS", 2000),
		GenTimeoutSec:    getEnvInt("GEN_TIMEOUT_SEC", 120),
		GenPromptsPath:   getEnv("GEN_PROMPTS_PATH", ""),
		GenPromptProfile: getEnv("GEN_PROMPT_PROFILE", "default"),
		GenMeta:          getEnvBool("GEN_META", false),

		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", "https://api.openai.com"),
		GeminiAPIKey:  getEnv("GEMINI_API_KEY", ""),
		GeminiBaseURL: getEnv("GEMINI_BASE_URL", ""),

		BatchWidth:          getEnvInt("BATCH_WIDTH", 5),
		QualityErrorFloor:   getEnvInt("QUALITY_ERROR_FLOOR", 100),
		QualityWarningFloor: getEnvInt("QUALITY_WARNING_FLOOR", 300),
	}

	if cfg.QualityWarningFloor < cfg.QualityErrorFloor {
		return Config{}, fmt.Errorf("QUALITY_WARNING_FLOOR (%d) must not be below QUALITY_ERROR_FLOOR (%d)", cfg.QualityWarningFloor, cfg.QualityErrorFloor)
	}

	return cfg, nil
}

func (c Config) Require(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("missing required env var: %s", name)
	}
	return nil
}

// RequireCatalog checks the settings every catalog operation depends on.
func (c Config) RequireCatalog() error {
	checks := []struct{ name, value string }{
		{"CATALOG_BASE_URL", c.CatalogBaseURL},
		{"CATALOG_CLIENT_ID", c.CatalogClientID},
		{"CATALOG_CLIENT_SECRET", c.CatalogClientSecret},
		{"CATALOG_USERNAME", c.CatalogUsername},
		{"CATALOG_PASSWORD", c.CatalogPassword},
	}
	for _, ch := range checks {
		if err := c.Require(ch.name, ch.value); err != nil {
			return err
		}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.ToLower(strings.TrimSpace(getEnv(key, "")))
	if value == "" {
		return fallback
	}
	if value == "1" || value == "true" || value == "yes" || value == "on" {
		return true
	}
	if value == "0" || value == "false" || value == "no" || value == "off" {
		return false
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	out := make([]string, 0)
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
