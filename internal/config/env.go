package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/joho/godotenv"
)

// LoadEnv pulls secrets from AWS Secrets Manager (if configured) and then
// loads local .env files. Containers source secrets securely while local
// development keeps working off a dotenv file.
func LoadEnv(defaultEnvPath string, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := loadAWSSecretsIntoEnv(logger); err != nil {
		logger.Warn("skipping AWS Secrets Manager load", "error", err)
	}
	loadDotEnv(defaultEnvPath, logger)
}

func loadDotEnv(defaultEnvPath string, logger *slog.Logger) {
	envFile := os.Getenv("ENV_FILE_PATH")
	if envFile == "" {
		envFile = defaultEnvPath
	}

	if err := godotenv.Load(envFile); err != nil {
		if err := godotenv.Load(); err != nil {
			// Env is injected directly when running under an orchestrator.
			if os.Getenv("KUBERNETES_SERVICE_HOST") == "" {
				logger.Info("no .env file found, using process environment", "path", envFile)
			}
		}
	}
}

func loadAWSSecretsIntoEnv(logger *slog.Logger) error {
	secretID := os.Getenv("AWS_SECRETS_MANAGER_SECRET_ID")
	if secretID == "" {
		return nil
	}

	region := os.Getenv("AWS_SECRETS_MANAGER_REGION")
	versionStage := os.Getenv("AWS_SECRETS_MANAGER_VERSION_STAGE")
	if versionStage == "" {
		versionStage = "AWSCURRENT"
	}
	overwrite := strings.EqualFold(os.Getenv("AWS_SECRETS_MANAGER_OVERWRITE"), "true")

	ctx := context.Background()
	cfg, err := loadAWSConfig(ctx, region)
	if err != nil {
		return err
	}

	client := secretsmanager.NewFromConfig(cfg)
	output, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId:     aws.String(secretID),
		VersionStage: aws.String(versionStage),
	})
	if err != nil {
		return fmt.Errorf("fetching secret %s: %w", secretID, err)
	}

	payload := ""
	switch {
	case output.SecretString != nil:
		payload = *output.SecretString
	case len(output.SecretBinary) > 0:
		payload = string(output.SecretBinary)
	default:
		return fmt.Errorf("secret %s has no payload", secretID)
	}

	var kv map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &kv); err != nil {
		return fmt.Errorf("parsing secret %s as JSON: %w", secretID, err)
	}

	applied := 0
	for key, val := range kv {
		if !overwrite && os.Getenv(key) != "" {
			continue
		}
		if err := os.Setenv(key, fmt.Sprint(val)); err != nil {
			return fmt.Errorf("setting env %s from secret: %w", key, err)
		}
		applied++
	}

	logger.Info("loaded env vars from AWS Secrets Manager", "secret_id", secretID, "applied", applied)
	return nil
}

func loadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	if region != "" {
		return awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	}
	return awsconfig.LoadDefaultConfig(ctx)
}
