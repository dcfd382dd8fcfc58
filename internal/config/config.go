// Package config resolves this worker's configuration from CLI flags,
// environment variables, and an optional TOML overlay file, in that
// order of precedence. Flags are bound with spf13/cobra + spf13/pflag;
// the overlay file is decoded with BurntSushi/toml, the same decoder
// the teacher's go.mod already carries.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/johnny-lai/sqs-dispatch/internal/adminapi"
	"github.com/johnny-lai/sqs-dispatch/internal/dispatcher"
	"github.com/johnny-lai/sqs-dispatch/internal/queue/sqs"
)

// Config is the fully resolved set of knobs for one dispatch run.
type Config struct {
	QueueURL    string
	EndpointURL string
	Region      string
	Exec        []string
	WebhookURL  string

	HeartbeatVisibility string // "short", "long", or a literal second count
	ShutdownGrace       time.Duration
	AdminAddr           string
	LogLevel            string

	CredentialsSource string // "default", "vault", "secretsmanager"
	VaultAddr         string
	VaultRole         string
	SecretsManagerID  string

	SentryDSN string
	ConfigFile string

	AdminBootstrapToken string
	AdminSigningKey     string
}

// overlay mirrors the subset of Config that may come from a TOML file,
// decoded separately so its zero values never shadow explicit flags.
type overlay struct {
	QueueURL            string   `toml:"queue_url"`
	EndpointURL         string   `toml:"endpoint_url"`
	Region              string   `toml:"region"`
	Exec                []string `toml:"exec"`
	WebhookURL          string   `toml:"webhook_url"`
	HeartbeatVisibility string   `toml:"heartbeat_visibility"`
	ShutdownGrace       string   `toml:"shutdown_grace"`
	AdminAddr           string   `toml:"admin_addr"`
	LogLevel            string   `toml:"log_level"`
	CredentialsSource   string   `toml:"credentials_source"`
	VaultAddr           string   `toml:"vault_addr"`
	VaultRole           string   `toml:"vault_role"`
	SecretsManagerID    string   `toml:"secrets_manager_id"`
	SentryDSN           string   `toml:"sentry_dsn"`
	AdminBootstrapToken string   `toml:"admin_bootstrap_token"`
	AdminSigningKey     string   `toml:"admin_signing_key"`
}

// Load parses argv (ordinarily os.Args[1:]) into a Config. Env vars with
// the SQS_DISPATCH_ prefix are consulted as a fallback for any flag not
// passed explicitly, except --exec and --config, which are read from
// argv only; a --config TOML file, if given, fills in anything
// still unset after flags and environment.
func Load(argv []string) (*Config, error) {
	cfg := &Config{}

	root := &cobra.Command{
		Use:           "sqs-dispatch",
		Short:         "Poll an SQS queue and dispatch each message to a handler",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          func(cmd *cobra.Command, args []string) error { return nil },
	}

	flags := root.Flags()
	flags.StringVarP(&cfg.QueueURL, "queue-url", "Q", "", "SQS queue URL")
	flags.StringVarP(&cfg.EndpointURL, "endpoint-url", "E", "", "custom SQS endpoint (e.g. LocalStack)")
	flags.StringVar(&cfg.Region, "region", "us-east-1", "AWS region")
	flags.StringArrayVarP(&cfg.Exec, "exec", "e", nil, "program and args to run per message; repeatable")
	flags.StringVar(&cfg.WebhookURL, "webhook-url", "", "deliver messages via HTTP POST instead of exec")
	flags.StringVar(&cfg.HeartbeatVisibility, "heartbeat-visibility", "long", `"short", "long", or a literal second count`)
	flags.Duration("shutdown-grace", 10*time.Second, "how long to wait for in-flight handlers on shutdown")
	flags.String("admin-addr", ":8080", "admin HTTP surface listen address")
	flags.StringVar(&cfg.LogLevel, "log-level", "info", "zerolog level")
	flags.StringVar(&cfg.CredentialsSource, "credentials-source", "default", `"default", "vault", or "secretsmanager"`)
	flags.StringVar(&cfg.VaultAddr, "vault-addr", "", "Vault address, required when --credentials-source=vault")
	flags.StringVar(&cfg.VaultRole, "vault-role", "", "Vault AWS secrets engine credential path read as-is (e.g. aws/creds/<role>)")
	flags.StringVar(&cfg.SecretsManagerID, "secrets-manager-id", "", "Secrets Manager secret ID, required when --credentials-source=secretsmanager")
	flags.StringVar(&cfg.SentryDSN, "sentry-dsn", "", "Sentry DSN; unset disables error reporting")
	flags.StringVar(&cfg.ConfigFile, "config", "", "optional TOML overlay file")
	flags.StringVar(&cfg.AdminBootstrapToken, "admin-bootstrap-token", "", "bootstrap token exchanged for a /status JWT; unset leaves /status unauthenticated")
	flags.StringVar(&cfg.AdminSigningKey, "admin-signing-key", "", "HMAC key for /status JWTs; required when --admin-bootstrap-token is set")

	root.SetArgs(argv)
	if err := root.Execute(); err != nil {
		return nil, fmt.Errorf("config: parsing flags: %w", err)
	}

	grace, _ := flags.GetDuration("shutdown-grace")
	cfg.ShutdownGrace = grace
	cfg.AdminAddr, _ = flags.GetString("admin-addr")

	applyEnv(cfg, flags)

	if cfg.ConfigFile != "" {
		if err := applyOverlayFile(cfg, flags, cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// envPrefix namespaces every environment override.
const envPrefix = "SQS_DISPATCH_"

// applyEnv fills in any flag not explicitly set on the command line from
// its corresponding SQS_DISPATCH_* environment variable. --exec and
// --config have no environment variable.
func applyEnv(cfg *Config, flags interface{ Changed(string) bool }) {
	lookup := func(flag string) (string, bool) {
		key := envPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
		return os.LookupEnv(key)
	}

	setIfUnchanged := func(flag string, dst *string) {
		if flags.Changed(flag) {
			return
		}
		if v, ok := lookup(flag); ok {
			*dst = v
		}
	}

	setIfUnchanged("queue-url", &cfg.QueueURL)
	setIfUnchanged("endpoint-url", &cfg.EndpointURL)
	setIfUnchanged("region", &cfg.Region)
	setIfUnchanged("webhook-url", &cfg.WebhookURL)
	setIfUnchanged("heartbeat-visibility", &cfg.HeartbeatVisibility)
	setIfUnchanged("log-level", &cfg.LogLevel)
	setIfUnchanged("credentials-source", &cfg.CredentialsSource)
	setIfUnchanged("vault-addr", &cfg.VaultAddr)
	setIfUnchanged("vault-role", &cfg.VaultRole)
	setIfUnchanged("secrets-manager-id", &cfg.SecretsManagerID)
	setIfUnchanged("sentry-dsn", &cfg.SentryDSN)
	setIfUnchanged("admin-addr", &cfg.AdminAddr)
	setIfUnchanged("admin-bootstrap-token", &cfg.AdminBootstrapToken)
	setIfUnchanged("admin-signing-key", &cfg.AdminSigningKey)

	if !flags.Changed("shutdown-grace") {
		if v, ok := lookup("shutdown-grace"); ok {
			if d, err := time.ParseDuration(v); err == nil {
				cfg.ShutdownGrace = d
			}
		}
	}
}

// applyOverlayFile decodes a TOML file and fills in anything still
// unset after flags and environment — the file is the lowest-precedence
// source.
func applyOverlayFile(cfg *Config, flags interface{ Changed(string) bool }, path string) error {
	var ov overlay
	if _, err := toml.DecodeFile(path, &ov); err != nil {
		return fmt.Errorf("config: decoding %s: %w", path, err)
	}

	setElsewhere := func(flag string) bool {
		_, inEnv := os.LookupEnv(envPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_")))
		return flags.Changed(flag) || inEnv
	}

	if cfg.QueueURL == "" {
		cfg.QueueURL = ov.QueueURL
	}
	if cfg.EndpointURL == "" {
		cfg.EndpointURL = ov.EndpointURL
	}
	if !setElsewhere("region") && ov.Region != "" {
		cfg.Region = ov.Region
	}
	if len(cfg.Exec) == 0 {
		cfg.Exec = ov.Exec
	}
	if cfg.WebhookURL == "" {
		cfg.WebhookURL = ov.WebhookURL
	}
	if !setElsewhere("heartbeat-visibility") && ov.HeartbeatVisibility != "" {
		cfg.HeartbeatVisibility = ov.HeartbeatVisibility
	}
	if !setElsewhere("shutdown-grace") && ov.ShutdownGrace != "" {
		if d, err := time.ParseDuration(ov.ShutdownGrace); err == nil {
			cfg.ShutdownGrace = d
		}
	}
	if !setElsewhere("admin-addr") && ov.AdminAddr != "" {
		cfg.AdminAddr = ov.AdminAddr
	}
	if !setElsewhere("log-level") && ov.LogLevel != "" {
		cfg.LogLevel = ov.LogLevel
	}
	if !setElsewhere("credentials-source") && ov.CredentialsSource != "" {
		cfg.CredentialsSource = ov.CredentialsSource
	}
	if cfg.VaultAddr == "" {
		cfg.VaultAddr = ov.VaultAddr
	}
	if cfg.VaultRole == "" {
		cfg.VaultRole = ov.VaultRole
	}
	if cfg.SecretsManagerID == "" {
		cfg.SecretsManagerID = ov.SecretsManagerID
	}
	if cfg.SentryDSN == "" {
		cfg.SentryDSN = ov.SentryDSN
	}
	if cfg.AdminBootstrapToken == "" {
		cfg.AdminBootstrapToken = ov.AdminBootstrapToken
	}
	if cfg.AdminSigningKey == "" {
		cfg.AdminSigningKey = ov.AdminSigningKey
	}

	return nil
}

// HeartbeatVisibilitySeconds resolves the --heartbeat-visibility value
// into the literal second count the dispatcher wants.
func (c *Config) HeartbeatVisibilitySeconds() (int32, error) {
	switch c.HeartbeatVisibility {
	case "short":
		return dispatcher.HeartbeatVisibilityShort, nil
	case "long", "":
		return dispatcher.HeartbeatVisibilityLong, nil
	default:
		n, err := strconv.Atoi(c.HeartbeatVisibility)
		if err != nil {
			return 0, fmt.Errorf("config: invalid --heartbeat-visibility %q", c.HeartbeatVisibility)
		}
		return int32(n), nil
	}
}

// AdminAuth builds the admin surface's /status JWT gate from
// --admin-bootstrap-token/--admin-signing-key. It returns (nil, nil)
// when no bootstrap token is configured, leaving /status open — the
// default for local and LocalStack use.
func (c *Config) AdminAuth() (*adminapi.TokenAuth, error) {
	if c.AdminBootstrapToken == "" {
		return nil, nil
	}
	if c.AdminSigningKey == "" {
		return nil, fmt.Errorf("config: --admin-signing-key is required when --admin-bootstrap-token is set")
	}
	return adminapi.NewTokenAuth(c.AdminBootstrapToken, []byte(c.AdminSigningKey), "sqs-dispatch")
}

// CredentialsSourceValue resolves the configured credentials source to the
// sqs package's typed constant.
func (c *Config) CredentialsSourceValue() (sqs.CredentialsSource, error) {
	switch c.CredentialsSource {
	case "", "default":
		return sqs.CredentialsSourceDefault, nil
	case "vault":
		return sqs.CredentialsSourceVault, nil
	case "secretsmanager":
		return sqs.CredentialsSourceSecretsManager, nil
	default:
		return "", fmt.Errorf("config: unknown --credentials-source %q", c.CredentialsSource)
	}
}
