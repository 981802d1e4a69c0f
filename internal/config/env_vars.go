package config

import "os"

const (
	appNameVar     = "APP_NAME"
	databaseURLVar = "DATABASE_URL"
	natsURLVar     = "NATS_URL"
	signingKeyVar  = "SESSION_SIGNING_KEY"
)

type EnvVars struct{}

var _ Config = mainConfig{}

func (EnvVars) GetAppName() string {
	return GetEnv(appNameVar, "Portal Core")
}

func (EnvVars) GetEnv() string {
	env := os.Getenv("ENV")
	if env == "" {
		return "DEV"
	}
	return env
}

func (EnvVars) GetLogLevel() string {
	return GetEnv("LOG_LEVEL", "info")
}

func (EnvVars) GetDatabaseURL() string {
	return GetEnv(databaseURLVar, "")
}

func (EnvVars) GetNatsURL() string {
	return GetEnv(natsURLVar, "")
}

// GetSigningKey returns the HS256 key for locally issued session tokens.
func (EnvVars) GetSigningKey() string {
	return GetEnv(signingKeyVar, "")
}

func (EnvVars) GetOidcIssuer() string {
	return GetEnv("OIDC_ISSUER", "")
}

func (EnvVars) GetOidcClientID() string {
	return GetEnv("OIDC_CLIENT_ID", "")
}

func (EnvVars) GetOidcClientSecret() string {
	return GetEnv("OIDC_CLIENT_SECRET", "")
}

func (EnvVars) GetOidcRedirectURL() string {
	return GetEnv("OIDC_REDIRECT_URL", "")
}

func GetEnv(envVar, defaultValue string) string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	return value
}
