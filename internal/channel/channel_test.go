// ABOUTME: Tests for the webhook adapter registry.

package channel

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAdapter struct{ name string }

func (s *stubAdapter) VerifyRequest(*http.Request, []byte) bool { return true }
func (s *stubAdapter) ParseWebhook([]byte, http.Header) (Webhook, error) {
	return Webhook{Kind: KindIgnore}, nil
}
func (s *stubAdapter) Acknowledge(context.Context, any)                {}
func (s *stubAdapter) DeliverReply(context.Context, any, string) error { return nil }

func TestRegistry(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Get("slack")
	assert.ErrorIs(t, err, ErrAdapterNotFound)

	slack := &stubAdapter{name: "slack"}
	reg.Register("slack", slack)
	reg.Register("discord", &stubAdapter{name: "discord"})

	got, err := reg.Get("slack")
	require.NoError(t, err)
	assert.Same(t, slack, got)

	assert.Equal(t, []string{"discord", "slack"}, reg.Names())

	replacement := &stubAdapter{name: "slack-2"}
	reg.Register("slack", replacement)
	got, err = reg.Get("slack")
	require.NoError(t, err)
	assert.Same(t, replacement, got)
}
