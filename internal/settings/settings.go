package settings

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

var Settings *AppSettings

func NewSettings() *AppSettings {
	settings := AppSettings{
		Domain:          getEnvOrDefault("SIMPLECD_DOMAIN", "localhost"),
		Port:            getEnvOrDefault("SIMPLECD_PORT", ":8080"),
		SQLiteDatabase:  getEnvOrDefault("SIMPLECD_DB_PATH", "file:.///simplecd.sqlite"),
		Workspace:       getEnvOrDefault("SIMPLECD_WORKSPACE", "workspace"),
		ArtifactsDir:    getEnvOrDefault("SIMPLECD_ARTIFACTS_DIR", "artifacts"),
		TargetsPath:     getEnvOrDefault("SIMPLECD_TARGETS", "targets.yml"),
		APIKey:          os.Getenv("SIMPLECD_API_KEY"),
		LogLevel:        getEnvOrDefault("SIMPLECD_LOG_LEVEL", "info"),
		LogFile:         os.Getenv("SIMPLECD_LOG_FILE"),
		ArtifactBackend: getEnvOrDefault("SIMPLECD_ARTIFACT_BACKEND", "fs"),
		NATSURL:         os.Getenv("SIMPLECD_NATS_URL"),
		NATSSubject:     getEnvOrDefault("SIMPLECD_NATS_SUBJECT", "simplecd.runs"),
		S3: S3Settings{
			Endpoint:  getEnvOrDefault("SIMPLECD_S3_ENDPOINT", "localhost:9000"),
			AccessKey: os.Getenv("SIMPLECD_S3_ACCESS_KEY"),
			SecretKey: os.Getenv("SIMPLECD_S3_SECRET_KEY"),
			Region:    getEnvOrDefault("SIMPLECD_S3_REGION", "us-east-1"),
			UseSSL:    getEnvBool("SIMPLECD_S3_USE_SSL", false),
			Bucket:    getEnvOrDefault("SIMPLECD_S3_BUCKET", "simplecd-artifacts"),
		},
	}
	if !strings.HasPrefix(settings.Port, ":") {
		settings.Port = ":" + settings.Port
	}
	return &settings
}

func getEnvOrDefault(key, defaultValue string) string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}

type S3Settings struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
}

func (s S3Settings) Validate() error {
	if strings.TrimSpace(s.Endpoint) == "" {
		return errors.New("s3 endpoint is required")
	}
	if strings.Contains(s.Endpoint, "://") {
		return fmt.Errorf("s3 endpoint must not include scheme: %q", s.Endpoint)
	}
	if strings.TrimSpace(s.AccessKey) == "" || strings.TrimSpace(s.SecretKey) == "" {
		return errors.New("s3 access key and secret key are required")
	}
	if strings.TrimSpace(s.Bucket) == "" {
		return errors.New("s3 bucket is required")
	}
	return nil
}

type AppSettings struct {
	SQLiteDatabase  string
	Domain          string
	Port            string
	Workspace       string
	ArtifactsDir    string
	TargetsPath     string
	APIKey          string
	LogLevel        string
	LogFile         string
	ArtifactBackend string
	NATSURL         string
	NATSSubject     string
	S3              S3Settings
}

func (as *AppSettings) BaseURL() string {
	if as.Domain == "localhost" {
		return fmt.Sprintf("http://%s%s", as.Domain, as.Port)
	} else {
		return fmt.Sprintf("https://%s", as.Domain)
	}
}

func (as *AppSettings) SQLiteDbString(readonly bool) string {
	params := make(url.Values)
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "busy_timeout(5000)")
	params.Add("_pragma", "synchronous(NORMAL)")
	params.Add("_pragma", "foreign_keys(ON)")
	if readonly {
		params.Add("mode", "ro")
	} else {
		params.Add("_txlock", "immediate")
		params.Add("mode", "rwc")
	}

	return as.SQLiteDatabase + "?" + params.Encode()
}

// ReadDotenv loads variables from the dotenv file at path without overriding
// variables already present in the environment. A missing file is not an error.
func ReadDotenv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("err reading dotenv %s: %w", path, err)
	}
	return nil
}
