package treasury

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretsAPI is the slice of the Secrets Manager client used to fetch the key.
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// NewSecretsManager builds a client from the default AWS credential chain
// (environment, shared config, instance role).
func NewSecretsManager(ctx context.Context) (*secretsmanager.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return secretsmanager.NewFromConfig(cfg), nil
}

// KeySource says where the treasury key lives.
type KeySource struct {
	PrivateKey string // raw hex, used when SecretARN is empty
	SecretARN  string
}

// LoadKey resolves the treasury key. A secret may hold the bare hex key or a
// JSON object with a single field holding it. Returns "" when no source is set.
func LoadKey(ctx context.Context, src KeySource, api SecretsAPI, logger *slog.Logger) (string, error) {
	if src.SecretARN == "" {
		return src.PrivateKey, nil
	}
	if api == nil {
		return "", fmt.Errorf("treasury: secret ARN set but no secrets client")
	}

	out, err := api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(src.SecretARN),
	})
	if err != nil {
		return "", fmt.Errorf("fetch treasury key secret: %w", err)
	}
	if out.SecretString == nil || strings.TrimSpace(*out.SecretString) == "" {
		return "", fmt.Errorf("treasury key secret %s is empty", src.SecretARN)
	}
	raw := strings.TrimSpace(*out.SecretString)

	var fields map[string]string
	if err := json.Unmarshal([]byte(raw), &fields); err == nil {
		if len(fields) != 1 {
			return "", fmt.Errorf("treasury key secret must hold one field, has %d", len(fields))
		}
		for name, v := range fields {
			logger.Info("treasury key loaded from secrets manager", "arn", src.SecretARN, "field", name)
			return v, nil
		}
	}

	logger.Info("treasury key loaded from secrets manager", "arn", src.SecretARN)
	return raw, nil
}
