package config

type Config interface {
	EnvConfig
	BackendConfig
	AuthConfig
}

type EnvConfig interface {
	GetAppName() string
	GetEnv() string
	GetLogLevel() string
}

type BackendConfig interface {
	GetDatabaseURL() string
	GetNatsURL() string
}

type AuthConfig interface {
	GetSigningKey() string
	GetOidcIssuer() string
	GetOidcClientID() string
	GetOidcClientSecret() string
	GetOidcRedirectURL() string
}

type mainConfig struct {
	EnvVars
}

func New() Config {
	return mainConfig{}
}
