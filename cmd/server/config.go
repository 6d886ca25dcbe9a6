package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
)

// Config holds all configuration options
type Config struct {
	// Server config
	Port      string   `long:"port" env:"PORT" default:"8443" description:"Server port"`
	RPID      string   `long:"rp-id" env:"RP_ID" default:"localhost" description:"WebAuthn relying party ID"`
	RPOrigins []string `long:"rp-origin" env:"RP_ORIGIN" env-delim:"," default:"https://localhost:8443" description:"WebAuthn relying party origins"`

	// Execution backend
	Backend struct {
		URL    string `long:"backend-url" env:"BACKEND_URL" required:"true" description:"Institutional execution backend base URL"`
		Token  string `long:"backend-token" env:"BACKEND_TOKEN" description:"Server-to-server bearer token"`
		APIKey string `long:"backend-api-key" env:"BACKEND_API_KEY" description:"Optional x-api-key header value"`
	} `group:"Execution Backend Options"`

	// Intent signing
	Signing struct {
		Key               string `long:"signer-key" env:"SIGNER_KEY" required:"true" description:"Hex-encoded admin co-signing key"`
		DomainName        string `long:"domain-name" env:"DOMAIN_NAME" default:"DecentraLabs Marketplace" description:"EIP-712 domain name"`
		DomainVersion     string `long:"domain-version" env:"DOMAIN_VERSION" default:"1" description:"EIP-712 domain version"`
		ChainID           uint64 `long:"chain-id" env:"CHAIN_ID" default:"1" description:"EIP-712 chain id"`
		VerifyingContract string `long:"verifying-contract" env:"VERIFYING_CONTRACT" required:"true" description:"On-chain verifier contract address"`
	} `group:"Intent Signing Options"`

	// Executor resolution
	Executor struct {
		Fallback     string `long:"executor-fallback" env:"EXECUTOR_FALLBACK" description:"Static trusted executor address"`
		RegistryPath string `long:"institution-registry" env:"INSTITUTION_REGISTRY" description:"YAML institution registry file"`
		CacheSeconds int    `long:"executor-cache-seconds" env:"EXECUTOR_CACHE_SECONDS" default:"0" description:"Registry lookup cache TTL (0 disables caching)"`
	} `group:"Executor Resolution Options"`

	// Storage config
	CredentialMode string `long:"credential-mode" env:"CREDENTIAL_MODE" default:"filesystem" choice:"filesystem" choice:"s3" choice:"redis" choice:"memory" description:"Credential record backend"`
	ChallengeMode  string `long:"challenge-mode" env:"CHALLENGE_MODE" default:"memory" choice:"memory" choice:"redis" description:"Challenge session backend"`
	NonceMode      string `long:"nonce-mode" env:"NONCE_MODE" default:"memory" choice:"memory" choice:"redis" description:"Nonce allocator backend"`

	// Filesystem storage
	DataPath string `long:"data-path" env:"DATA_PATH" default:"./data" description:"Filesystem storage directory"`

	// S3 storage
	S3 struct {
		Endpoint  string `long:"s3-endpoint" env:"S3_ENDPOINT" default:"localhost:9000" description:"S3 endpoint (host:port)"`
		Bucket    string `long:"s3-bucket" env:"S3_BUCKET" default:"marketplace-intent" description:"S3 bucket name"`
		AccessKey string `long:"s3-access-key" env:"S3_ACCESS_KEY" default:"minioadmin" description:"S3 access key"`
		SecretKey string `long:"s3-secret-key" env:"S3_SECRET_KEY" default:"minioadmin" description:"S3 secret key"`
		UseSSL    bool   `long:"s3-use-ssl" env:"S3_USE_SSL" description:"Use SSL for S3 connections"`
	} `group:"S3 Storage Options"`

	// Redis config
	Redis struct {
		Addr     string `long:"redis-addr" env:"REDIS_ADDR" default:"localhost:6379" description:"Redis address"`
		Password string `long:"redis-password" env:"REDIS_PASSWORD" description:"Redis password"`
		DB       int    `long:"redis-db" env:"REDIS_DB" default:"0" description:"Redis database number"`
	} `group:"Redis Options"`
}

// LoadConfig parses configuration from environment variables and command line flags
func LoadConfig() (*Config, error) {
	var config Config

	parser := flags.NewParser(&config, flags.Default)
	parser.Usage = "[OPTIONS]"

	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &config, nil
}
