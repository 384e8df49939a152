package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"nft-marketplace-onchain/config"
	"nft-marketplace-onchain/gateway/content"
	contractGateway "nft-marketplace-onchain/gateway/contract"
	"nft-marketplace-onchain/gateway/metadata"
	"nft-marketplace-onchain/gateway/session"
	"nft-marketplace-onchain/gateway/wallet"
	marketplaceHandler "nft-marketplace-onchain/handler/marketplace"
	"nft-marketplace-onchain/model"
	marketplaceUsecase "nft-marketplace-onchain/usecase/marketplace"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file (optional)")
	flag.Parse()

	// --- 1. 初期設定 ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("path", *configPath), slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Debug("configuration loaded", slog.Any("config", config.Redacted(cfg)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// --- 2. ethclientの初期化 ---
	client, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return fmt.Errorf("connect to node: %w", err)
	}
	defer client.Close()
	logger.Info("connected to node", slog.String("chain_id", fmt.Sprint(cfg.Chain.ChainID)))

	// --- 3. ウォレット ---
	provider, closeWallet, err := newWallet(ctx, cfg.Wallet, logger)
	if err != nil {
		return err
	}
	defer closeWallet()

	// --- 4. ゲートウェイ ---
	handles, err := contractGateway.NewDialer(client, cfg.Chain.MarketplaceAddress, big.NewInt(cfg.Chain.ChainID), provider, logger)
	if err != nil {
		return err
	}
	logger.Info("marketplace contract", slog.String("address", handles.Reader().ContractAddress()))

	store, err := newContentStore(ctx, cfg.Content, logger)
	if err != nil {
		return err
	}
	gw := content.NewGateway(cfg.Content.GatewayURL)
	fetcher := metadata.NewFetcher(cfg.Metadata.Timeout.Duration, gw, logger)

	sessions, closeSessions, err := newSessionStore(ctx, cfg.Session)
	if err != nil {
		return err
	}
	defer closeSessions()

	// --- 5. 依存性注入 ---
	uc := marketplaceUsecase.NewMarketplaceUsecase(provider, handles, store, gw, fetcher, logger,
		marketplaceUsecase.WithConcurrency(cfg.Metadata.Concurrency),
		marketplaceUsecase.WithSessionListener(func(s model.WalletSession) {
			logger.Info("active account changed", slog.String("account", s.Address))
		}),
	)
	hdlr := marketplaceHandler.NewMarketplaceHandler(uc, sessions, logger)

	// --- 6. ルーティングとCORS ---
	router := mux.NewRouter()
	hdlr.Register(router)

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", marketplaceHandler.SessionHeader},
		ExposedHeaders:   []string{marketplaceHandler.SessionHeader},
		AllowCredentials: true,
	})

	// --- 7. サーバー起動 ---
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           c.Handler(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("marketplace service starting", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newWallet(ctx context.Context, cfg config.WalletConfig, logger *slog.Logger) (wallet.Provider, func(), error) {
	switch cfg.Backend {
	case "rpc":
		p, err := wallet.DialRPC(ctx, cfg.RPCURL, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to wallet: %w", err)
		}
		return p, p.Close, nil
	case "key":
		p, err := wallet.NewKeyedProvider(cfg.PrivateKey)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using local signing key", slog.String("account", p.Address().Hex()))
		return p, func() {}, nil
	default:
		logger.Warn("no wallet configured, write operations are disabled")
		return nil, func() {}, nil
	}
}

func newContentStore(ctx context.Context, cfg config.ContentConfig, logger *slog.Logger) (content.Store, error) {
	if cfg.Backend == "s3" {
		return content.NewS3Store(ctx, content.S3Config{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		}, logger)
	}
	return content.NewIPFSStore(cfg.IPFSAPIURL, cfg.Timeout.Duration, logger), nil
}

func newSessionStore(ctx context.Context, cfg config.SessionConfig) (session.Store, func(), error) {
	if cfg.Backend == "redis" {
		s, err := session.NewRedisStore(ctx, session.RedisConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			TLSEnabled: cfg.Redis.TLSEnabled,
		}, cfg.TTL.Duration)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	}
	return session.NewMemoryStore(), func() {}, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
