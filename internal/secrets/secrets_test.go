package secrets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvFallbackWebhookSecret(t *testing.T) {
	t.Setenv(envWebhookSecret, "hush")

	p, err := NewProvider(Config{})
	require.NoError(t, err)

	got, err := p.WebhookSecret(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hush", got)
}

func TestEnvFallbackGitHubToken(t *testing.T) {
	t.Setenv(envGitHubToken, "ghp_x")

	p, err := NewProvider(Config{})
	require.NoError(t, err)

	got, err := p.GitHubToken(context.Background(), "composer")
	require.NoError(t, err)
	assert.Equal(t, "ghp_x", got)
}

func TestEnvFallbackMissingIsNotFound(t *testing.T) {
	t.Setenv(envWebhookSecret, "")
	t.Setenv(envGitHubToken, "  ")

	p, err := NewProvider(Config{})
	require.NoError(t, err)

	_, err = p.WebhookSecret(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = p.GitHubToken(context.Background(), "composer")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAsStringCoercions(t *testing.T) {
	assert.Equal(t, "plain", asString("plain"))
	assert.Equal(t, "bytes", asString([]byte("bytes")))
	assert.Equal(t, "", asString(nil))
	assert.Equal(t, "42", asString(42))
}
