package config

import "os"

const (
	// EnvPrefix marks environment variables that override configuration keys.
	EnvPrefix = "GATEWAY_"

	configFileVar = "CONFIG_FILE"
	envFileVar    = "ENV_FILE"
)

func GetEnv(envVar, defaultValue string) string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	return value
}
