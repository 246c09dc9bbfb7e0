package config

import (
	"fmt"

	"github.com/ilyakaznacheev/cleanenv"
)

// ApplyEnv overrides cfg with any REMINDBOT_* variables that are set.
// Unset variables leave the file values untouched.
func ApplyEnv(cfg *Config) error {
	if err := cleanenv.UpdateEnv(cfg); err != nil {
		return fmt.Errorf("env overlay: %w", err)
	}
	return nil
}

// EnvHelp lists the supported environment variables.
func EnvHelp() (string, error) {
	return cleanenv.GetDescription(&Config{}, nil)
}
