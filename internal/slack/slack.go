// ABOUTME: Slack channel adapter: Events API webhooks in, Web API replies out.
// ABOUTME: Implements the channel.Adapter contract for /webhooks/slack.

// Package slack bridges Slack to the gateway engine.
//
// Inbound traffic arrives through the Events API webhook: the adapter
// verifies the request signature, answers url_verification challenges,
// and turns message events into engine messages. DMs always route to
// the agent; channel chatter requires an @mention. Replies post
// in-thread as mrkdwn, with an hourglass reaction marking turns in
// flight.
package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/flinthq/flint/internal/channel"
	"github.com/flinthq/flint/internal/engine"
)

// maxMessageLen is Slack's recommended ceiling for one message's text.
const maxMessageLen = 4000

const pendingReaction = "hourglass_flowing_sand"

var mentionPattern = regexp.MustCompile(`<@[A-Z0-9]+>`)

// webAPI is the Web API slice the adapter needs, shaped for the calls
// it makes rather than for slack-go's option plumbing.
type webAPI interface {
	postMessage(ctx context.Context, channelID, threadTS, text string) error
	addReaction(ctx context.Context, name, channelID, timestamp string) error
	removeReaction(ctx context.Context, name, channelID, timestamp string) error
	authTest(ctx context.Context) (botUserID string, err error)
}

// slackWebAPI adapts *slack.Client to webAPI.
type slackWebAPI struct {
	client *slack.Client
}

func (w *slackWebAPI) postMessage(ctx context.Context, channelID, threadTS, text string) error {
	options := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadTS != "" {
		options = append(options, slack.MsgOptionTS(threadTS))
	}
	_, _, err := w.client.PostMessageContext(ctx, channelID, options...)
	return err
}

func (w *slackWebAPI) addReaction(ctx context.Context, name, channelID, timestamp string) error {
	return w.client.AddReactionContext(ctx, name, slack.NewRefToMessage(channelID, timestamp))
}

func (w *slackWebAPI) removeReaction(ctx context.Context, name, channelID, timestamp string) error {
	return w.client.RemoveReactionContext(ctx, name, slack.NewRefToMessage(channelID, timestamp))
}

func (w *slackWebAPI) authTest(ctx context.Context) (string, error) {
	resp, err := w.client.AuthTestContext(ctx)
	if err != nil {
		return "", err
	}
	return resp.UserID, nil
}

// Options configures New from the slack section of the deployment config.
type Options struct {
	SigningSecret      string
	BotToken           string
	DefaultRoutingMode string
	Logger             *slog.Logger
}

// Adapter implements channel.Adapter for Slack.
type Adapter struct {
	signingSecret string
	routingMode   string
	api           webAPI
	logger        *slog.Logger

	selfOnce sync.Once
	selfUser string
}

// Meta carries what the reply path needs: where to post, which thread
// to continue, and the message the pending reaction sits on.
type Meta struct {
	ChannelID string
	ThreadTS  string
	MessageTS string
}

func New(opts Options) *Adapter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		signingSecret: opts.SigningSecret,
		routingMode:   opts.DefaultRoutingMode,
		api:           &slackWebAPI{client: slack.New(opts.BotToken)},
		logger:        logger.With("component", "slack"),
	}
}

// VerifyRequest checks the v0 request signature against the signing
// secret.
func (a *Adapter) VerifyRequest(r *http.Request, body []byte) bool {
	verifier, err := slack.NewSecretsVerifier(r.Header, a.signingSecret)
	if err != nil {
		return false
	}
	if _, err := verifier.Write(body); err != nil {
		return false
	}
	return verifier.Ensure() == nil
}

// ParseWebhook classifies one Events API delivery.
func (a *Adapter) ParseWebhook(body []byte, header http.Header) (channel.Webhook, error) {
	event, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		return channel.Webhook{}, fmt.Errorf("parsing slack event: %w", err)
	}

	switch event.Type {
	case slackevents.URLVerification:
		var cr slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &cr); err != nil {
			return channel.Webhook{}, fmt.Errorf("parsing url_verification challenge: %w", err)
		}
		return channel.Webhook{
			Kind:                 channel.KindChallenge,
			Challenge:            []byte(cr.Challenge),
			ChallengeContentType: "text/plain",
		}, nil

	case slackevents.CallbackEvent:
		var eventID string
		if cb, ok := event.Data.(*slackevents.EventsAPICallbackEvent); ok {
			eventID = cb.EventID
		}
		return a.parseCallback(eventID, event.InnerEvent)

	default:
		return channel.Webhook{Kind: channel.KindIgnore}, nil
	}
}

func (a *Adapter) parseCallback(eventID string, inner slackevents.EventsAPIInnerEvent) (channel.Webhook, error) {
	switch ev := inner.Data.(type) {
	case *slackevents.MessageEvent:
		// Edits, deletions, and bot traffic never reach the agent; the
		// bot's own replies would loop otherwise.
		if ev.SubType != "" || ev.BotID != "" || ev.User == "" || ev.User == a.selfID() {
			return channel.Webhook{Kind: channel.KindIgnore}, nil
		}
		// Channel messages route only via app_mention.
		if ev.ChannelType != "im" {
			return channel.Webhook{Kind: channel.KindIgnore}, nil
		}
		return a.messageHook(eventID, ev.Channel, ev.ChannelType, ev.User, ev.Text, ev.ThreadTimeStamp, ev.TimeStamp), nil

	case *slackevents.AppMentionEvent:
		if ev.User == "" || ev.User == a.selfID() {
			return channel.Webhook{Kind: channel.KindIgnore}, nil
		}
		return a.messageHook(eventID, ev.Channel, "", ev.User, ev.Text, ev.ThreadTimeStamp, ev.TimeStamp), nil

	default:
		return channel.Webhook{Kind: channel.KindIgnore}, nil
	}
}

func (a *Adapter) messageHook(eventID, channelID, channelType, userID, text, threadTS, messageTS string) channel.Webhook {
	replyThread := threadTS
	if replyThread == "" && !strings.HasPrefix(channelID, "D") {
		// Top-level channel mention: answer in a thread under it.
		replyThread = messageTS
	}
	return channel.Webhook{
		Kind:    channel.KindMessage,
		EventID: eventID,
		Message: engine.InboundMessage{
			Channel:         "slack",
			UserID:          userID,
			Text:            stripMentions(text),
			ChatType:        chatType(channelType, channelID),
			PeerID:          channelID,
			ChannelThreadID: threadTS,
			RoutingMode:     a.routingMode,
		},
		Meta: Meta{ChannelID: channelID, ThreadTS: replyThread, MessageTS: messageTS},
	}
}

// Acknowledge marks the triggering message with an hourglass while the
// turn runs. Reaction failures are cosmetic.
func (a *Adapter) Acknowledge(ctx context.Context, meta any) {
	m, ok := meta.(Meta)
	if !ok {
		return
	}
	if err := a.api.addReaction(ctx, pendingReaction, m.ChannelID, m.MessageTS); err != nil {
		a.logger.Debug("adding pending reaction", "error", err)
	}
}

// DeliverReply posts the agent's answer in-thread, converted to mrkdwn
// and split to fit Slack's message size.
func (a *Adapter) DeliverReply(ctx context.Context, meta any, text string) error {
	m, ok := meta.(Meta)
	if !ok {
		return fmt.Errorf("slack: unexpected meta type %T", meta)
	}

	if err := a.api.removeReaction(ctx, pendingReaction, m.ChannelID, m.MessageTS); err != nil {
		a.logger.Debug("removing pending reaction", "error", err)
	}

	body := ToMrkdwn(text)
	if strings.TrimSpace(body) == "" {
		body = "_(empty reply)_"
	}

	for _, chunk := range splitMessage(body, maxMessageLen) {
		if err := a.api.postMessage(ctx, m.ChannelID, m.ThreadTS, chunk); err != nil {
			return fmt.Errorf("posting slack reply: %w", err)
		}
	}
	return nil
}

// selfID resolves the bot's own user id once, for the self-message
// guard. A failed lookup fails open: the BotID check still filters the
// bot's replies.
func (a *Adapter) selfID() string {
	a.selfOnce.Do(func() {
		userID, err := a.api.authTest(context.Background())
		if err != nil {
			a.logger.Warn("resolving bot user id", "error", err)
			return
		}
		a.selfUser = userID
	})
	return a.selfUser
}

func stripMentions(text string) string {
	return strings.TrimSpace(mentionPattern.ReplaceAllString(text, ""))
}

// chatType maps Slack channel types onto the gateway's chat types.
// app_mention events carry no channel_type, so the id prefix decides.
func chatType(channelType, channelID string) string {
	switch channelType {
	case "im":
		return "direct"
	case "mpim", "group":
		return "group"
	case "channel":
		return "channel"
	}
	switch {
	case strings.HasPrefix(channelID, "D"):
		return "direct"
	case strings.HasPrefix(channelID, "G"):
		return "group"
	default:
		return "channel"
	}
}

// splitMessage cuts text into chunks of at most limit bytes, preferring
// line boundaries so code fences and lists stay readable.
func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(text) > limit {
		cut := strings.LastIndex(text[:limit], "\n")
		if cut <= 0 {
			cut = limit
		}
		chunks = append(chunks, strings.TrimRight(text[:cut], "\n"))
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
