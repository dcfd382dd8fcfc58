package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	vault "github.com/hashicorp/vault/api"
)

// CredentialsSource names one of the supported ways to obtain AWS
// credentials, selected by the --credentials-source flag.
type CredentialsSource string

const (
	// CredentialsSourceDefault uses the SDK's standard chain (env,
	// shared config file, EC2/ECS/EKS role).
	CredentialsSourceDefault CredentialsSource = "default"
	// CredentialsSourceVault fetches a lease from Vault's AWS secrets
	// engine.
	CredentialsSourceVault CredentialsSource = "vault"
	// CredentialsSourceSecretsManager reads a JSON credential document
	// from AWS Secrets Manager.
	CredentialsSourceSecretsManager CredentialsSource = "secretsmanager"
)

// VaultCredentialsConfig configures the Vault AWS secrets engine backend.
type VaultCredentialsConfig struct {
	Address string
	Token   string
	// Path is the Vault AWS secrets engine credential path, e.g.
	// "aws/creds/sqs-dispatch".
	Path string
}

// VaultCredentialsProvider fetches AWS credentials from Vault's AWS
// secrets engine on every Retrieve call, matching aws.CredentialsProvider
// so it composes directly with config.WithCredentialsProvider. Grounded
// on the teacher's go.mod carrying hashicorp/vault/api with no consumer
// of its own in the retrieved pack.
type VaultCredentialsProvider struct {
	client *vault.Client
	path   string
}

// NewVaultCredentialsProvider builds a provider from cfg.
func NewVaultCredentialsProvider(cfg VaultCredentialsConfig) (*VaultCredentialsProvider, error) {
	vcfg := vault.DefaultConfig()
	vcfg.Address = cfg.Address

	client, err := vault.NewClient(vcfg)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &VaultCredentialsProvider{client: client, path: cfg.Path}, nil
}

// Retrieve implements aws.CredentialsProvider.
func (p *VaultCredentialsProvider) Retrieve(ctx context.Context) (aws.Credentials, error) {
	secret, err := p.client.Logical().ReadWithContext(ctx, p.path)
	if err != nil {
		return aws.Credentials{}, fmt.Errorf("vault read %s: %w", p.path, err)
	}
	if secret == nil || secret.Data == nil {
		return aws.Credentials{}, fmt.Errorf("vault read %s: empty secret", p.path)
	}

	accessKey, _ := secret.Data["access_key"].(string)
	secretKey, _ := secret.Data["secret_key"].(string)
	sessionToken, _ := secret.Data["security_token"].(string)
	if accessKey == "" || secretKey == "" {
		return aws.Credentials{}, fmt.Errorf("vault read %s: missing access_key/secret_key", p.path)
	}

	creds := aws.Credentials{
		AccessKeyID:     accessKey,
		SecretAccessKey: secretKey,
		SessionToken:    sessionToken,
		Source:          "VaultAWSSecretsEngine",
	}
	if secret.LeaseDuration > 0 {
		creds.CanExpire = true
		creds.Expires = time.Now().Add(time.Duration(secret.LeaseDuration) * time.Second)
	}
	return creds, nil
}

// secretsManagerDocument is the expected JSON shape of a Secrets Manager
// secret holding AWS credentials for the queue role.
type secretsManagerDocument struct {
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	SessionToken    string `json:"session_token,omitempty"`
}

// SecretsManagerCredentialsProvider fetches static-shaped AWS credentials
// from a named AWS Secrets Manager secret. Used when the process's own
// ambient role is allowed to read Secrets Manager but not to assume the
// role SQS needs directly (cross-account delegation).
type SecretsManagerCredentialsProvider struct {
	client   *secretsmanager.Client
	secretID string
}

// NewSecretsManagerCredentialsProvider builds a provider that reads
// secretID using the ambient (default-chain) credentials.
func NewSecretsManagerCredentialsProvider(ctx context.Context, region, secretID string) (*SecretsManagerCredentialsProvider, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SecretsManagerCredentialsProvider{
		client:   secretsmanager.NewFromConfig(awsCfg),
		secretID: secretID,
	}, nil
}

// Retrieve implements aws.CredentialsProvider.
func (p *SecretsManagerCredentialsProvider) Retrieve(ctx context.Context) (aws.Credentials, error) {
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(p.secretID),
	})
	if err != nil {
		return aws.Credentials{}, fmt.Errorf("secretsmanager get %s: %w", p.secretID, err)
	}
	if out.SecretString == nil {
		return aws.Credentials{}, fmt.Errorf("secretsmanager get %s: no SecretString", p.secretID)
	}

	var doc secretsManagerDocument
	if err := json.Unmarshal([]byte(*out.SecretString), &doc); err != nil {
		return aws.Credentials{}, fmt.Errorf("secretsmanager get %s: decode: %w", p.secretID, err)
	}

	return aws.Credentials{
		AccessKeyID:     doc.AccessKeyID,
		SecretAccessKey: doc.SecretAccessKey,
		SessionToken:    doc.SessionToken,
		Source:          "SecretsManager",
	}, nil
}

// StaticCredentialsProvider wraps the SDK's static provider, used for
// LocalStack integration tests where any non-empty key pair is accepted.
func StaticCredentialsProvider(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")
}
