package config

import (
	"encoding/base64"
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Environment holds the settings read from the process environment
// (or a .env file loaded by the caller).
type Environment struct {
	DatabaseDSN       string `envconfig:"DATABASE_DSN"`
	ChatEncryptionKey string `envconfig:"CHAT_ENCRYPTION_KEY"`
	SigningSecret     string `envconfig:"SIGNING_SECRET"`
}

func FromEnv() (Environment, error) {
	var env Environment
	err := envconfig.Process("", &env)
	return env, err
}

type Config struct {
	ServerAddr     string
	DatabaseDSN    string
	ChatSecret     string
	SigningKey     []byte
	AllowedOrigins []string
}

func NewConfig(serverAddr string, allowedOrigins []string, env Environment) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if env.DatabaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if env.ChatEncryptionKey == "" {
		return nil, fmt.Errorf("chat encryption key cannot be empty")
	}
	if env.SigningSecret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	// the signing secret is base64 encoded in the environment
	signingKey, err := base64.StdEncoding.DecodeString(env.SigningSecret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		ServerAddr:     serverAddr,
		DatabaseDSN:    env.DatabaseDSN,
		ChatSecret:     env.ChatEncryptionKey,
		SigningKey:     signingKey,
		AllowedOrigins: allowedOrigins,
	}, nil
}
