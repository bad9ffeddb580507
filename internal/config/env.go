package config

// Environment variables carrying secrets. They are never read from the
// config file, except TELEGRAM_TOKEN which falls back to telegram.token.
const (
	EnvTelegramToken = "TELEGRAM_TOKEN"
	EnvSecretKey     = "ESCL_SECRET_KEY"
	EnvLegacyJWT     = "ESCL_JWT"
)
