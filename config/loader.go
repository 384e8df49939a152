package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load はデフォルト値の上にTOMLファイル (path が空なら省略) を重ね、
// 環境変数で上書きした設定を返す。検証は呼び出し側で Validate を呼ぶ
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// .env がなければ無視
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// 既存デプロイの環境変数 (NFTM_* が優先)
	setStr(&cfg.Chain.RPCURL, "INFURA_SEPOLIA_URL")
	setStr(&cfg.Chain.MarketplaceAddress, "MARKETPLACE_CONTRACT_ADDRESS")
	setInt(&cfg.Server.Port, "PORT")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "NFTM_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "NFTM_CHAIN_ID")
	setStr(&cfg.Chain.MarketplaceAddress, "NFTM_CHAIN_MARKETPLACE_ADDRESS")

	// ── Wallet ──
	setStr(&cfg.Wallet.Backend, "NFTM_WALLET_BACKEND")
	setStr(&cfg.Wallet.RPCURL, "NFTM_WALLET_RPC_URL")
	setStr(&cfg.Wallet.PrivateKey, "NFTM_WALLET_PRIVATE_KEY")

	// ── Content ──
	setStr(&cfg.Content.Backend, "NFTM_CONTENT_BACKEND")
	setStr(&cfg.Content.IPFSAPIURL, "NFTM_CONTENT_IPFS_API_URL")
	setStr(&cfg.Content.GatewayURL, "NFTM_CONTENT_GATEWAY_URL")
	setDuration(&cfg.Content.Timeout, "NFTM_CONTENT_TIMEOUT")
	setStr(&cfg.Content.S3.Endpoint, "NFTM_S3_ENDPOINT")
	setStr(&cfg.Content.S3.Region, "NFTM_S3_REGION")
	setStr(&cfg.Content.S3.Bucket, "NFTM_S3_BUCKET")
	setStr(&cfg.Content.S3.AccessKey, "NFTM_S3_ACCESS_KEY")
	setStr(&cfg.Content.S3.SecretKey, "NFTM_S3_SECRET_KEY")
	setBool(&cfg.Content.S3.UseSSL, "NFTM_S3_USE_SSL")
	setBool(&cfg.Content.S3.ForcePathStyle, "NFTM_S3_FORCE_PATH_STYLE")

	// ── Metadata ──
	setDuration(&cfg.Metadata.Timeout, "NFTM_METADATA_TIMEOUT")
	setInt(&cfg.Metadata.Concurrency, "NFTM_METADATA_CONCURRENCY")

	// ── Session ──
	setStr(&cfg.Session.Backend, "NFTM_SESSION_BACKEND")
	setDuration(&cfg.Session.TTL, "NFTM_SESSION_TTL")
	setStr(&cfg.Session.Redis.Addr, "NFTM_REDIS_ADDR")
	setStr(&cfg.Session.Redis.Password, "NFTM_REDIS_PASSWORD")
	setInt(&cfg.Session.Redis.DB, "NFTM_REDIS_DB")
	setBool(&cfg.Session.Redis.TLSEnabled, "NFTM_REDIS_TLS_ENABLED")

	// ── Server ──
	setInt(&cfg.Server.Port, "NFTM_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "NFTM_SERVER_CORS_ORIGINS")

	setStr(&cfg.LogLevel, "NFTM_LOG_LEVEL")
}

// 環境変数が空でないときだけ上書きする

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
