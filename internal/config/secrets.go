package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Secrets 保存只允许来自环境变量的凭证，不写入 TOML。
type Secrets struct {
	GoogleMapsAPIKey string `env:"GOOGLE_MAPS_API_KEY"`
	GeminiAPIKey     string `env:"GEMINI_API_KEY"`
	// UpdateToken 非空时，POST /-/offline/update 需携带 Authorization: Bearer <token>。
	UpdateToken string `env:"OFFLINE_EDGE_UPDATE_TOKEN"`
}

// LoadSecrets 先按顺序加载可选的 .env 文件（已存在的环境变量优先），再解析环境变量。
func LoadSecrets(envFiles ...string) (Secrets, error) {
	for _, file := range envFiles {
		if file == "" {
			continue
		}
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Secrets{}, fmt.Errorf("load env file %s: %w", file, err)
		}
	}

	var secrets Secrets
	if err := env.Parse(&secrets); err != nil {
		return Secrets{}, fmt.Errorf("parse env: %w", err)
	}
	return secrets, nil
}
