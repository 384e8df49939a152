// Package config はサービス全体の設定
package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config はTOMLファイルから読み込み、NFTM_* の環境変数で上書きする
type Config struct {
	Chain    ChainConfig    `toml:"chain"`
	Wallet   WalletConfig   `toml:"wallet"`
	Content  ContentConfig  `toml:"content"`
	Metadata MetadataConfig `toml:"metadata"`
	Session  SessionConfig  `toml:"session"`
	Server   ServerConfig   `toml:"server"`
	LogLevel string         `toml:"log_level"`
}

// ChainConfig はノードとマーケットプレイスコントラクト
type ChainConfig struct {
	RPCURL             string `toml:"rpc_url"`
	ChainID            int64  `toml:"chain_id"`
	MarketplaceAddress string `toml:"marketplace_address"`
}

// WalletConfig は署名に使うウォレット
// rpc はウォレットのJSON-RPCエンドポイント、key はローカルの秘密鍵、none はウォレットなし
type WalletConfig struct {
	Backend    string `toml:"backend"`
	RPCURL     string `toml:"rpc_url"`
	PrivateKey string `toml:"private_key"`
}

// ContentConfig はコンテンツストア
type ContentConfig struct {
	Backend    string   `toml:"backend"`
	IPFSAPIURL string   `toml:"ipfs_api_url"`
	GatewayURL string   `toml:"gateway_url"`
	Timeout    duration `toml:"timeout"`
	S3         S3Config `toml:"s3"`
}

// S3Config はS3互換ストレージの接続情報
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// MetadataConfig はメタデータ取得
type MetadataConfig struct {
	Timeout     duration `toml:"timeout"`
	Concurrency int      `toml:"concurrency"`
}

// SessionConfig はセッションストア
type SessionConfig struct {
	Backend string      `toml:"backend"`
	TTL     duration    `toml:"ttl"`
	Redis   RedisConfig `toml:"redis"`
}

// RedisConfig はRedisの接続情報
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// ServerConfig はHTTPサーバー
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// duration は "30s" のような文字列をTOMLから読めるようにする
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults はローカル開発向けの初期値
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			RPCURL:  "http://localhost:8545",
			ChainID: 11155111,
		},
		Wallet: WalletConfig{
			Backend: "rpc",
			RPCURL:  "http://localhost:8545",
		},
		Content: ContentConfig{
			Backend:    "ipfs",
			IPFSAPIURL: "http://localhost:5001",
			GatewayURL: "https://ipfs.io/ipfs/",
			Timeout:    duration{60 * time.Second},
			S3: S3Config{
				Region:         "us-east-1",
				Bucket:         "nft-content",
				ForcePathStyle: true,
			},
		},
		Metadata: MetadataConfig{
			Timeout:     duration{10 * time.Second},
			Concurrency: 8,
		},
		Session: SessionConfig{
			Backend: "memory",
			TTL:     duration{24 * time.Hour},
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
		},
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000"},
		},
		LogLevel: "info",
	}
}

var (
	validWalletBackends  = map[string]bool{"rpc": true, "key": true, "none": true}
	validContentBackends = map[string]bool{"ipfs": true, "s3": true}
	validSessionBackends = map[string]bool{"memory": true, "redis": true}
	validLogLevels       = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
)

// Validate は見つかった問題をすべてまとめて返す
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	// Chain
	if err := checkURL(c.Chain.RPCURL); err != nil {
		add("chain: rpc_url: %v", err)
	}
	if c.Chain.ChainID <= 0 {
		add("chain: chain_id must be positive")
	}
	if !common.IsHexAddress(c.Chain.MarketplaceAddress) {
		add("chain: marketplace_address %q is not a hex address", c.Chain.MarketplaceAddress)
	}

	// Wallet
	switch {
	case !validWalletBackends[c.Wallet.Backend]:
		add("wallet: unknown backend %q (valid: rpc, key, none)", c.Wallet.Backend)
	case c.Wallet.Backend == "rpc":
		if err := checkURL(c.Wallet.RPCURL); err != nil {
			add("wallet: rpc_url: %v", err)
		}
	case c.Wallet.Backend == "key":
		if c.Wallet.PrivateKey == "" {
			add("wallet: private_key is required for the key backend")
		}
	}

	// Content
	switch {
	case !validContentBackends[c.Content.Backend]:
		add("content: unknown backend %q (valid: ipfs, s3)", c.Content.Backend)
	case c.Content.Backend == "ipfs":
		if err := checkURL(c.Content.IPFSAPIURL); err != nil {
			add("content: ipfs_api_url: %v", err)
		}
	case c.Content.Backend == "s3":
		if c.Content.S3.Bucket == "" {
			add("content: s3.bucket must not be empty")
		}
		if c.Content.S3.Region == "" {
			add("content: s3.region must not be empty")
		}
	}
	if err := checkURL(c.Content.GatewayURL); err != nil {
		add("content: gateway_url: %v", err)
	}
	if c.Content.Timeout.Duration <= 0 {
		add("content: timeout must be > 0")
	}

	// Metadata
	if c.Metadata.Timeout.Duration <= 0 {
		add("metadata: timeout must be > 0")
	}
	if c.Metadata.Concurrency < 1 {
		add("metadata: concurrency must be >= 1")
	}

	// Session
	if !validSessionBackends[c.Session.Backend] {
		add("session: unknown backend %q (valid: memory, redis)", c.Session.Backend)
	}
	if c.Session.Backend == "redis" && c.Session.Redis.Addr == "" {
		add("session: redis.addr must not be empty")
	}
	if c.Session.TTL.Duration <= 0 {
		add("session: ttl must be > 0")
	}

	// Server
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		add("server: port must be 1-65535, got %d", c.Server.Port)
	}
	if len(c.Server.CORSOrigins) == 0 {
		add("server: cors_origins must not be empty")
	}
	// key バックエンドは署名を自動承認するのでワイルドカードは不可
	if c.Wallet.Backend == "key" && slices.Contains(c.Server.CORSOrigins, "*") {
		add("server: cors_origins must list explicit origins when wallet.backend is key")
	}

	return errors.Join(errs...)
}

func checkURL(raw string) error {
	if raw == "" {
		return errors.New("must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%q is not an absolute url", raw)
	}
	return nil
}
