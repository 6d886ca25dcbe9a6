package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/redis/go-redis/v9"

	"github.com/DecentraLabsCom/marketplace-intent/internal/api"
	"github.com/DecentraLabsCom/marketplace-intent/internal/auth"
	"github.com/DecentraLabsCom/marketplace-intent/internal/backend"
	"github.com/DecentraLabsCom/marketplace-intent/internal/credstore"
	"github.com/DecentraLabsCom/marketplace-intent/internal/executor"
	"github.com/DecentraLabsCom/marketplace-intent/internal/flow"
	"github.com/DecentraLabsCom/marketplace-intent/internal/intent"
	"github.com/DecentraLabsCom/marketplace-intent/internal/models"
	"github.com/DecentraLabsCom/marketplace-intent/internal/nonce"
	"github.com/DecentraLabsCom/marketplace-intent/internal/signer"
)

func main() {
	// Setup structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := LoadConfig()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup WebAuthn
	wconfig := &webauthn.Config{
		RPDisplayName: "DecentraLabs Marketplace",
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
	}

	webAuthn, err := webauthn.New(wconfig)
	if err != nil {
		slog.Error("Failed to create WebAuthn instance", "error", err)
		os.Exit(1)
	}

	// Redis is shared by every backend mode that asks for it
	var redisClient *redis.Client
	needsRedis := cfg.CredentialMode == "redis" || cfg.ChallengeMode == "redis" || cfg.NonceMode == "redis"
	if needsRedis {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		slog.Info("Connected to Redis", "addr", cfg.Redis.Addr)
	}

	memoryStore := credstore.NewMemoryStore()

	// Setup credential record storage
	var credentials credstore.CredentialStore
	switch cfg.CredentialMode {
	case "s3":
		s3Store, err := credstore.NewS3Store(cfg.S3.Endpoint, cfg.S3.AccessKey, cfg.S3.SecretKey, cfg.S3.Bucket, cfg.S3.UseSSL)
		if err != nil {
			slog.Error("Failed to create S3 credential store", "error", err)
			os.Exit(1)
		}
		credentials = s3Store
		slog.Info("Using S3 credential storage", "endpoint", cfg.S3.Endpoint, "bucket", cfg.S3.Bucket)
	case "filesystem":
		fsStore, err := credstore.NewFilesystemStore(cfg.DataPath)
		if err != nil {
			slog.Error("Failed to create filesystem credential store", "error", err)
			os.Exit(1)
		}
		credentials = fsStore
		slog.Info("Using filesystem credential storage", "path", cfg.DataPath)
	case "redis":
		credentials = credstore.NewRedisStore(redisClient)
		slog.Info("Using Redis credential storage")
	case "memory":
		credentials = memoryStore
		slog.Warn("Using in-memory credential storage (not persistent)")
	}

	// Setup challenge session storage
	var challenges credstore.ChallengeStore
	switch cfg.ChallengeMode {
	case "redis":
		challenges = credstore.NewRedisStore(redisClient)
		slog.Info("Using Redis challenge sessions")
	case "memory":
		challenges = memoryStore
		slog.Warn("Using in-memory challenge sessions (single instance only)")
	}

	// Setup nonce allocation
	var nonces nonce.Allocator
	switch cfg.NonceMode {
	case "redis":
		nonces = nonce.NewRedisAllocator(redisClient)
		slog.Info("Using Redis nonce allocation")
	case "memory":
		nonces = nonce.NewMemoryAllocator()
		slog.Warn("Using in-memory nonce allocation (single instance only)")
	}

	// Setup intent signing
	verifyingContract, err := models.ParseAddress(cfg.Signing.VerifyingContract)
	if err != nil {
		slog.Error("Invalid verifying contract address", "error", err)
		os.Exit(1)
	}
	domain := intent.Domain{
		Name:              cfg.Signing.DomainName,
		Version:           cfg.Signing.DomainVersion,
		ChainID:           cfg.Signing.ChainID,
		VerifyingContract: verifyingContract,
	}
	adminSigner, err := signer.NewFromHex(cfg.Signing.Key, domain)
	if err != nil {
		slog.Error("Failed to load admin signing key", "error", err)
		os.Exit(1)
	}
	slog.Info("Admin co-signer ready", "address", adminSigner.Address().Hex())

	// Setup executor resolution
	var registry executor.Registry
	if cfg.Executor.RegistryPath != "" {
		fileRegistry, err := executor.LoadFileRegistry(cfg.Executor.RegistryPath)
		if err != nil {
			slog.Error("Failed to load institution registry", "error", err)
			os.Exit(1)
		}
		registry = fileRegistry
		slog.Info("Loaded institution registry", "path", cfg.Executor.RegistryPath)
	}
	var fallback models.Address
	if cfg.Executor.Fallback != "" {
		fallback, err = models.ParseAddress(cfg.Executor.Fallback)
		if err != nil {
			slog.Error("Invalid fallback executor address", "error", err)
			os.Exit(1)
		}
	}
	var resolverOpts []executor.Option
	if cfg.Executor.CacheSeconds > 0 {
		resolverOpts = append(resolverOpts, executor.WithCacheTTL(time.Duration(cfg.Executor.CacheSeconds)*time.Second))
	}
	resolver := executor.NewResolver(registry, fallback, resolverOpts...)

	// Setup services
	backendClient := backend.NewClient(cfg.Backend.URL, cfg.Backend.Token, backend.WithAPIKey(cfg.Backend.APIKey))
	authService := auth.NewService(webAuthn, credentials, challenges)
	flowService := flow.NewService(nonces, domain, adminSigner, resolver, authService, backendClient, challenges)
	apiServer := api.NewServer(flowService, authService)

	// Setup routes
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/webauthn/register/begin", apiServer.RegisterBeginHandler)
	mux.HandleFunc("POST /api/v1/webauthn/register/finish", apiServer.RegisterFinishHandler)
	mux.HandleFunc("POST /api/v1/webauthn/credentials/revoke", apiServer.RevokeCredentialHandler)

	mux.HandleFunc("POST /api/v1/intents/prepare", apiServer.PrepareIntentHandler)
	mux.HandleFunc("POST /api/v1/intents/{requestId}/complete", apiServer.CompleteIntentHandler)
	mux.HandleFunc("POST /api/v1/intents/authorize", apiServer.AuthorizeIntentHandler)
	mux.HandleFunc("GET /api/v1/intents/{requestId}/status", apiServer.IntentStatusHandler)

	mux.HandleFunc("GET /health", apiServer.HealthHandler)

	// Apply middleware
	handler := api.LoggingMiddleware(api.CORSMiddleware(mux))

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler,
	}

	fmt.Printf("Marketplace intent service starting on http://localhost:%s\n", cfg.Port)
	fmt.Println("Endpoints:")
	fmt.Println("  POST /api/v1/webauthn/register/begin   - WebAuthn credential registration")
	fmt.Println("  POST /api/v1/webauthn/register/finish")
	fmt.Println("  POST /api/v1/webauthn/credentials/revoke")
	fmt.Println("  POST /api/v1/intents/prepare           - Build, co-sign and bind an intent")
	fmt.Println("  POST /api/v1/intents/{requestId}/complete - Verify ceremony and submit")
	fmt.Println("  POST /api/v1/intents/authorize         - Backend-driven ceremony")
	fmt.Println("  GET  /api/v1/intents/{requestId}/status")
	fmt.Println("  GET  /health")

	if err := server.ListenAndServe(); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}
