// Package transport defines the §6 transport-adapter contract the core
// consumes: fetching channel history and pinned config, sending replies
// (chunked, webhook, or attachment), and the small set of moderation/status
// operations (react, pin, delete, typing) the scheduler and context builder
// need. internal/transport/discord is the concrete Discord implementation.
package transport

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/relay/internal/model"
)

// FetchOptions parameters a single fetchContext call.
type FetchOptions struct {
	ChannelID       string
	Depth           int
	FirstMessageID  string // backward-extend the fetch to include this id
	TargetMessageID string
	PinnedConfigs   []string
	IgnoreHistory   bool
}

// InheritanceInfo records where a channel's effective history range came
// from when a .history command rewrote it.
type InheritanceInfo struct {
	SourceChannelID string
	FirstMessageID  string
	LastMessageID   string
}

// FetchResult is the adapter's answer to fetchContext.
type FetchResult struct {
	Messages      []model.DiscordMessage
	Images        []ImageRef
	Documents     []DocumentRef
	PinnedConfigs []string
	GuildID       string
	Inheritance   *InheritanceInfo
}

// ImageRef is a content-addressed pointer to an already-fetched image, not
// yet base64-decoded — the context builder decides whether to include it.
type ImageRef struct {
	MessageID string
	MimeType  string
	Data      string // base64
	SizeBytes int64
}

// DocumentRef is pre-extracted text from a text or PDF attachment.
type DocumentRef struct {
	MessageID string
	Filename  string
	Text      string
}

// Adapter is the transport contract the scheduler and context builder
// depend on. One Adapter instance serves one bot identity; a multi-bot
// deployment constructs one Adapter per configured bot.
type Adapter interface {
	FetchContext(ctx context.Context, opts FetchOptions) (FetchResult, error)
	FetchPinnedConfigs(ctx context.Context, channelID string) ([]string, error)

	// SendMessage chunks content at <=1800 characters; replyToMessageID, if
	// set, is used on the first chunk only. Returns the ids of every sent
	// chunk in order.
	SendMessage(ctx context.Context, channelID, content, replyToMessageID string) ([]string, error)
	SendWebhook(ctx context.Context, channelID, username, content string) ([]string, error)
	SendImageAttachment(ctx context.Context, channelID string, data []byte, mimeType, filename string) (string, error)
	SendFileAttachment(ctx context.Context, channelID string, data []byte, filename string) (string, error)
	EditMessage(ctx context.Context, channelID, messageID, content string) error
	DeleteMessage(ctx context.Context, channelID, messageID string) error

	PinMessage(ctx context.Context, channelID, messageID string) error
	AddReaction(ctx context.Context, channelID, messageID, emoji string) error
	StartTyping(ctx context.Context, channelID string) (stop func(), err error)

	GetParentChannelID(ctx context.Context, channelID string) (string, error)
	GetChannelName(ctx context.Context, channelID string) (string, error)
	GetBotUserID(bot string) string
	GetBotUsername(bot string) string

	// ResolveMessage looks up one message by id. The §4.1.3 bot reply-chain
	// walk (Scheduler.botReplyChainDepth in internal/scheduler, with its
	// visited set) calls it one hop at a time, so adapters carry no
	// reply-chain logic of their own.
	ResolveMessage(ctx context.Context, channelID, messageID string) (model.DiscordMessage, bool, error)
}

// TypingRefreshInterval is how often StartTyping's background keepalive
// should re-signal, since Discord's own indicator expires after ~10s.
const TypingRefreshInterval = 8 * time.Second
