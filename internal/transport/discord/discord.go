// Package discord implements the transport.Adapter contract over Discord's
// gateway and REST API via discordgo. Adapted from the teacher's
// internal/channels/discord package: the gateway-connect/placeholder-chunk
// send shape is kept, generalized from a single-tenant message bus push to
// pushing equeue.Event batches per configured bot identity.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/relay/internal/equeue"
	"github.com/nextlevelbuilder/relay/internal/model"
	"github.com/nextlevelbuilder/relay/internal/transport"
)

const maxMessageChunk = 1800

// Adapter connects one Discord bot token to the gateway and satisfies
// transport.Adapter. One Adapter serves exactly one bot identity; a
// multi-bot deployment runs one Adapter per configured bot.
type Adapter struct {
	bot     string
	session *discordgo.Session
	queue   *equeue.Queue
	log     *slog.Logger

	botUserID   string
	botUsername string

	typingMu sync.Mutex
	typing   map[string]chan struct{} // channelID -> stop signal
}

// New creates an Adapter for bot identity botName using token, pushing
// inbound events onto queue.
func New(botName, token string, queue *equeue.Queue, log *slog.Logger) (*Adapter, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuildMessageReactions

	if log == nil {
		log = slog.Default()
	}
	a := &Adapter{
		bot:     botName,
		session: session,
		queue:   queue,
		log:     log,
		typing:  make(map[string]chan struct{}),
	}
	session.AddHandler(a.onMessageCreate)
	session.AddHandler(a.onMessageUpdate)
	session.AddHandler(a.onMessageDelete)
	return a, nil
}

// Start opens the gateway connection. Must be called before any send/fetch
// operation and before events begin flowing into the queue.
func (a *Adapter) Start(ctx context.Context) error {
	if err := a.session.Open(); err != nil {
		return fmt.Errorf("discord[%s]: open session: %w", a.bot, err)
	}
	user, err := a.session.User("@me")
	if err != nil {
		a.session.Close()
		return fmt.Errorf("discord[%s]: fetch identity: %w", a.bot, err)
	}
	a.botUserID = user.ID
	a.botUsername = user.Username
	a.log.Info("discord adapter connected", "bot", a.bot, "username", user.Username)
	return nil
}

func (a *Adapter) Stop(context.Context) error {
	return a.session.Close()
}

func (a *Adapter) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	a.pushEvent(equeue.KindMessage, toDiscordMessage(m.Message, a.botUsername, a.bot), m.ID)
}

func (a *Adapter) onMessageUpdate(_ *discordgo.Session, m *discordgo.MessageUpdate) {
	a.pushEvent(equeue.KindEdit, toDiscordMessage(m.Message, a.botUsername, a.bot), m.ID)
}

func (a *Adapter) onMessageDelete(_ *discordgo.Session, m *discordgo.MessageDelete) {
	a.pushEvent(equeue.KindDelete, model.DiscordMessage{ID: m.ID, ChannelID: m.ChannelID}, m.ID)
}

func (a *Adapter) pushEvent(kind equeue.Kind, msg model.DiscordMessage, msgID string) {
	ev := equeue.Event{
		Kind:       kind,
		Bot:        a.bot,
		Channel:    msg.ChannelID,
		Message:    msg,
		MessageID:  msgID,
		ReceivedAt: time.Now(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.queue.Push(ctx, ev); err != nil {
		a.log.Warn("discord: dropped event, queue full or closed", "bot", a.bot, "channel", msg.ChannelID, "error", err)
	}
}

// toDiscordMessage normalizes a discordgo message into the transport-agnostic
// model, rewriting the bot's own display name and user mentions per §6.
func toDiscordMessage(m *discordgo.Message, botUsername, botParticipantName string) model.DiscordMessage {
	author := model.Author{}
	if m.Author != nil {
		author = model.Author{
			ID:          m.Author.ID,
			Username:    m.Author.Username,
			DisplayName: resolveDisplayName(m),
			Bot:         m.Author.Bot,
		}
		if m.Author.Username == botUsername {
			author.DisplayName = botParticipantName
		}
	}

	content := m.Content
	for _, u := range m.Mentions {
		name := u.Username
		if u.Username == botUsername {
			name = botParticipantName
		}
		content = strings.ReplaceAll(content, "<@"+u.ID+">", "<@"+name+">")
		content = strings.ReplaceAll(content, "<@!"+u.ID+">", "<@"+name+">")
	}

	var attachments []model.Attachment
	for _, att := range m.Attachments {
		attachments = append(attachments, model.Attachment{
			Filename: att.Filename,
			URL:      att.URL,
			Size:     int64(att.Size),
		})
	}

	var reactions []string
	for _, r := range m.Reactions {
		reactions = append(reactions, r.Emoji.Name)
	}

	ref := ""
	if m.MessageReference != nil {
		ref = m.MessageReference.MessageID
		if ref != "" {
			content = "<reply:@" + referencedAuthorHint(m) + "> " + content
		}
	}

	ts := m.Timestamp
	return model.DiscordMessage{
		ID:                  m.ID,
		ChannelID:           m.ChannelID,
		GuildID:             m.GuildID,
		Author:              author,
		Content:             content,
		Timestamp:           ts,
		Attachments:         attachments,
		Reactions:           reactions,
		ReferencedMessageID: ref,
	}
}

// referencedAuthorHint best-efforts a display name for the <reply:@name>
// prefix from the referenced message's embedded snapshot, when discordgo
// populated it; otherwise falls back to the reference id.
func referencedAuthorHint(m *discordgo.Message) string {
	if m.ReferencedMessage != nil && m.ReferencedMessage.Author != nil {
		return resolveDisplayNameOf(m.ReferencedMessage)
	}
	if m.MessageReference != nil {
		return m.MessageReference.MessageID
	}
	return ""
}

func resolveDisplayName(m *discordgo.Message) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author != nil && m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	if m.Author != nil {
		return m.Author.Username
	}
	return ""
}

func resolveDisplayNameOf(m *discordgo.Message) string { return resolveDisplayName(m) }

func lastIndexByte(s string, c byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == c {
			return i
		}
	}
	return -1
}
