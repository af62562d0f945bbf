package discord

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/relay/internal/model"
	"github.com/nextlevelbuilder/relay/internal/transport"
)

// FetchContext fetches chronologically ordered channel history, extending
// backward past opts.Depth when FirstMessageID is set, up to a bounded
// lookback (§6: "must never trim data beyond that anchor").
const maxLookbackPages = 10 // 10 * 100 = 1000 messages hard cap

func (a *Adapter) FetchContext(ctx context.Context, opts transport.FetchOptions) (transport.FetchResult, error) {
	var all []*discordgo.Message
	before := ""
	foundAnchor := opts.FirstMessageID == ""

	for page := 0; page < maxLookbackPages; page++ {
		limit := opts.Depth
		if limit <= 0 || limit > 100 {
			limit = 100
		}
		batch, err := a.session.ChannelMessages(opts.ChannelID, limit, before, "", "", discordgo.WithContext(ctx))
		if err != nil {
			return transport.FetchResult{}, fmt.Errorf("discord: fetch channel messages: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		all = append(all, batch...)
		before = batch[len(batch)-1].ID

		for _, m := range batch {
			if m.ID == opts.FirstMessageID {
				foundAnchor = true
			}
		}
		if foundAnchor && len(all) >= opts.Depth {
			break
		}
	}

	// discordgo returns newest-first; the core wants chronological order.
	messages := make([]model.DiscordMessage, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		messages = append(messages, toDiscordMessage(all[i], a.botUsername, a.bot))
	}

	var images []transport.ImageRef
	var docs []transport.DocumentRef
	for _, m := range all {
		for _, att := range m.Attachments {
			if isImageMime(att.ContentType) {
				images = append(images, transport.ImageRef{MessageID: m.ID, MimeType: att.ContentType})
			}
		}
	}

	guildID := ""
	if len(all) > 0 {
		guildID = all[0].GuildID
	}

	return transport.FetchResult{
		Messages:      messages,
		Images:        images,
		Documents:     docs,
		PinnedConfigs: opts.PinnedConfigs,
		GuildID:       guildID,
	}, nil
}

func isImageMime(ct string) bool {
	switch ct {
	case "image/png", "image/jpeg", "image/gif", "image/webp":
		return true
	default:
		return false
	}
}

func (a *Adapter) FetchPinnedConfigs(ctx context.Context, channelID string) ([]string, error) {
	pins, err := a.session.ChannelMessagesPinned(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("discord: fetch pins: %w", err)
	}
	out := make([]string, 0, len(pins))
	for i := len(pins) - 1; i >= 0; i-- { // oldest-first
		out = append(out, pins[i].Content)
	}
	return out, nil
}

// SendMessage chunks content at maxMessageChunk characters, breaking at the
// nearest newline when possible; replyToMessageID applies to the first
// chunk only.
func (a *Adapter) SendMessage(ctx context.Context, channelID, content, replyToMessageID string) ([]string, error) {
	var ids []string
	first := true
	for len(content) > 0 {
		chunk := content
		if len(chunk) > maxMessageChunk {
			cut := maxMessageChunk
			if idx := lastIndexByte(content[:maxMessageChunk], '\n'); idx > maxMessageChunk/2 {
				cut = idx + 1
			}
			chunk = content[:cut]
			content = content[cut:]
		} else {
			content = ""
		}

		send := &discordgo.MessageSend{Content: chunk}
		if first && replyToMessageID != "" {
			send.Reference = &discordgo.MessageReference{MessageID: replyToMessageID, ChannelID: channelID}
		}
		msg, err := a.session.ChannelMessageSendComplex(channelID, send, discordgo.WithContext(ctx))
		if err != nil {
			if first && replyToMessageID != "" {
				// reply-target-deleted falls back to non-reply send (§7)
				send.Reference = nil
				msg, err = a.session.ChannelMessageSendComplex(channelID, send, discordgo.WithContext(ctx))
			}
			if err != nil {
				return ids, fmt.Errorf("discord: send message: %w", err)
			}
		}
		ids = append(ids, msg.ID)
		first = false
	}
	return ids, nil
}

func (a *Adapter) SendWebhook(ctx context.Context, channelID, username, content string) ([]string, error) {
	webhooks, err := a.session.ChannelWebhooks(channelID, discordgo.WithContext(ctx))
	if err != nil || len(webhooks) == 0 {
		// webhook unsupported (e.g. threads) falls back to plain send (§7)
		return a.SendMessage(ctx, channelID, content, "")
	}
	wh := webhooks[0]
	msg, err := a.session.WebhookExecute(wh.ID, wh.Token, true, &discordgo.WebhookParams{
		Content:  content,
		Username: username,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return a.SendMessage(ctx, channelID, content, "")
	}
	return []string{msg.ID}, nil
}

func (a *Adapter) SendImageAttachment(ctx context.Context, channelID string, data []byte, mimeType, filename string) (string, error) {
	return a.sendAttachment(ctx, channelID, data, filename)
}

func (a *Adapter) SendFileAttachment(ctx context.Context, channelID string, data []byte, filename string) (string, error) {
	return a.sendAttachment(ctx, channelID, data, filename)
}

func (a *Adapter) sendAttachment(ctx context.Context, channelID string, data []byte, filename string) (string, error) {
	msg, err := a.session.ChannelFileSend(channelID, filename, newByteReader(data), discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("discord: send attachment: %w", err)
	}
	return msg.ID, nil
}

func (a *Adapter) EditMessage(ctx context.Context, channelID, messageID, content string) error {
	_, err := a.session.ChannelMessageEdit(channelID, messageID, content, discordgo.WithContext(ctx))
	return err
}

func (a *Adapter) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	err := a.session.ChannelMessageDelete(channelID, messageID, discordgo.WithContext(ctx))
	if err != nil {
		a.log.Warn("discord: delete message failed", "channel", channelID, "message", messageID, "error", err)
	}
	return nil // deletion failure is logged but not fatal (§7)
}

func (a *Adapter) PinMessage(ctx context.Context, channelID, messageID string) error {
	return a.session.ChannelMessagePin(channelID, messageID, discordgo.WithContext(ctx))
}

func (a *Adapter) AddReaction(ctx context.Context, channelID, messageID, emoji string) error {
	return a.session.MessageReactionAdd(channelID, messageID, emoji, discordgo.WithContext(ctx))
}

// StartTyping starts Discord's typing indicator and a keepalive goroutine
// refreshing it every transport.TypingRefreshInterval (Discord's own
// indicator expires after ~10s). The returned stop func cancels the
// keepalive; it is safe to call more than once.
func (a *Adapter) StartTyping(ctx context.Context, channelID string) (func(), error) {
	if err := a.session.ChannelTyping(channelID); err != nil {
		return func() {}, fmt.Errorf("discord: start typing: %w", err)
	}

	stopCh := make(chan struct{})
	a.typingMu.Lock()
	if prev, ok := a.typing[channelID]; ok {
		close(prev)
	}
	a.typing[channelID] = stopCh
	a.typingMu.Unlock()

	go func() {
		ticker := time.NewTicker(transport.TypingRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = a.session.ChannelTyping(channelID)
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		a.typingMu.Lock()
		defer a.typingMu.Unlock()
		if cur, ok := a.typing[channelID]; ok && cur == stopCh {
			close(cur)
			delete(a.typing, channelID)
		}
	}, nil
}

func (a *Adapter) GetParentChannelID(ctx context.Context, channelID string) (string, error) {
	ch, err := a.session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("discord: get channel: %w", err)
	}
	return ch.ParentID, nil
}

func (a *Adapter) GetChannelName(ctx context.Context, channelID string) (string, error) {
	ch, err := a.session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("discord: get channel: %w", err)
	}
	return ch.Name, nil
}

func (a *Adapter) GetBotUserID(string) string    { return a.botUserID }
func (a *Adapter) GetBotUsername(string) string  { return a.botUsername }

func (a *Adapter) ResolveMessage(ctx context.Context, channelID, messageID string) (model.DiscordMessage, bool, error) {
	m, err := a.session.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
	if err != nil {
		return model.DiscordMessage{}, false, nil
	}
	return toDiscordMessage(m, a.botUsername, a.bot), true, nil
}
