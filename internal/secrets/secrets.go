// Package secrets resolves webhook and forge credentials, from vault
// when one is configured and from the environment otherwise.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	vault "github.com/hashicorp/vault/api"

	"github.com/kestrel-ci/kestrel/internal/logging"
)

var secLogger = logging.C("secrets")

// ErrNotFound reports that a secret simply is not there, as opposed to
// vault being unreachable.
var ErrNotFound = errors.New("secret not found")

const (
	envWebhookSecret = "KESTREL_WEBHOOK_SECRET"
	envGitHubToken   = "GITHUB_TOKEN"

	defaultMount = "secret"
)

type Config struct {
	Enabled bool
	Address string
	Token   string
	Mount   string
}

// Provider reads secrets under <mount>/data/kestrel/... (KV v2). With
// vault disabled it falls back to process environment variables.
type Provider struct {
	client *vault.Client
	mount  string
}

// NewProvider builds the provider, validating the vault token once up
// front so a bad credential fails at startup instead of mid-run.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		secLogger.Info("vault disabled, secrets come from the environment")
		return &Provider{}, nil
	}

	conf := vault.DefaultConfig()
	conf.Address = cfg.Address

	client, err := vault.NewClient(conf)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	if _, err := client.Auth().Token().LookupSelf(); err != nil {
		return nil, fmt.Errorf("token auth validation failed: %w", err)
	}

	mount := strings.Trim(cfg.Mount, "/")
	if mount == "" {
		mount = defaultMount
	}
	return &Provider{client: client, mount: mount}, nil
}

// WebhookSecret returns the shared secret GitHub signs webhook
// deliveries with.
func (p *Provider) WebhookSecret(ctx context.Context) (string, error) {
	if p.client == nil {
		return fromEnv(envWebhookSecret)
	}
	return p.read(ctx, "webhook", "secret")
}

// GitHubToken returns the API and clone token for one project. The ref
// is the project's TokenRef, so projects can share a secret.
func (p *Provider) GitHubToken(ctx context.Context, ref string) (string, error) {
	if p.client == nil {
		return fromEnv(envGitHubToken)
	}
	return p.read(ctx, "projects/"+ref, "github_token")
}

func (p *Provider) read(ctx context.Context, suffix, key string) (string, error) {
	path := fmt.Sprintf("%s/data/kestrel/%s", p.mount, suffix)

	secret, err := p.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	data := secret.Data
	// KV v2 nests the payload one level down.
	if inner, ok := data["data"].(map[string]interface{}); ok {
		data = inner
	}

	value := asString(data[key])
	if value == "" {
		return "", fmt.Errorf("%w: %s key %q", ErrNotFound, path, key)
	}
	return value, nil
}

func fromEnv(name string) (string, error) {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: env %s", ErrNotFound, name)
}

func asString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
