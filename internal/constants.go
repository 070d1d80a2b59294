package internal

const (
	DotEnvPath        = "./.env"
	ConfigPath        = "config.json"
	MigrationsDir     = "migrations"
	RunDirLayout      = "20060102_150405000"
	DBTimestampLayout = "2006-01-02 15:04:05.000"
	APIKeyHeader      = "X-SimpleCD-Key"
	DefaultArtifact   = "site-public"
)
