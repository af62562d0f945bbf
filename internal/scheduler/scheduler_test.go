package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/relay/internal/config"
	"github.com/nextlevelbuilder/relay/internal/credits"
	"github.com/nextlevelbuilder/relay/internal/equeue"
	"github.com/nextlevelbuilder/relay/internal/model"
	"github.com/nextlevelbuilder/relay/internal/transport"
)

type fakeToolCache struct {
	removed []string
}

func (f *fakeToolCache) Append(ctx context.Context, bot, channel string, entry model.ToolCacheEntry) error {
	return nil
}
func (f *fakeToolCache) Recent(ctx context.Context, bot, channel string, limit int, existingMessageIDs map[string]bool) ([]model.ToolCacheEntry, error) {
	return nil, nil
}
func (f *fakeToolCache) Get(ctx context.Context, bot, channel, id string) (model.ToolCacheEntry, bool, error) {
	return model.ToolCacheEntry{}, false, nil
}
func (f *fakeToolCache) RemoveByBotMessageID(ctx context.Context, bot, channel, messageID string) error {
	f.removed = append(f.removed, messageID)
	return nil
}
func (f *fakeToolCache) Prune(ctx context.Context, bot, channel string, fetchedMessageIDs map[string]bool) error {
	return nil
}

type fakeAdapter struct {
	botUserID string
	messages  map[string]model.DiscordMessage
	reactions []string
	deleted   []string
	mu        sync.Mutex
}

func newFakeAdapter(botUserID string) *fakeAdapter {
	return &fakeAdapter{botUserID: botUserID, messages: make(map[string]model.DiscordMessage)}
}

func (f *fakeAdapter) put(m model.DiscordMessage) { f.messages[m.ID] = m }

func (f *fakeAdapter) FetchContext(ctx context.Context, opts transport.FetchOptions) (transport.FetchResult, error) {
	return transport.FetchResult{}, nil
}
func (f *fakeAdapter) FetchPinnedConfigs(ctx context.Context, channelID string) ([]string, error) {
	return nil, nil
}
func (f *fakeAdapter) SendMessage(ctx context.Context, channelID, content, replyTo string) ([]string, error) {
	return nil, nil
}
func (f *fakeAdapter) SendWebhook(ctx context.Context, channelID, username, content string) ([]string, error) {
	return nil, nil
}
func (f *fakeAdapter) SendImageAttachment(ctx context.Context, channelID string, data []byte, mimeType, filename string) (string, error) {
	return "", nil
}
func (f *fakeAdapter) SendFileAttachment(ctx context.Context, channelID string, data []byte, filename string) (string, error) {
	return "", nil
}
func (f *fakeAdapter) EditMessage(ctx context.Context, channelID, messageID, content string) error {
	return nil
}
func (f *fakeAdapter) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	return nil
}
func (f *fakeAdapter) PinMessage(ctx context.Context, channelID, messageID string) error { return nil }
func (f *fakeAdapter) AddReaction(ctx context.Context, channelID, messageID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, emoji)
	return nil
}
func (f *fakeAdapter) StartTyping(ctx context.Context, channelID string) (func(), error) {
	return func() {}, nil
}
func (f *fakeAdapter) GetParentChannelID(ctx context.Context, channelID string) (string, error) {
	return "", nil
}
func (f *fakeAdapter) GetChannelName(ctx context.Context, channelID string) (string, error) {
	return "", nil
}
func (f *fakeAdapter) GetBotUserID(string) string   { return f.botUserID }
func (f *fakeAdapter) GetBotUsername(string) string { return "bot" }
func (f *fakeAdapter) ResolveMessage(ctx context.Context, channelID, messageID string) (model.DiscordMessage, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[messageID]
	return m, ok, nil
}

type recordingActivator struct {
	calls int32
	delay time.Duration
}

func (a *recordingActivator) Activate(ctx context.Context, req ActivationRequest) (ActivationResult, error) {
	atomic.AddInt32(&a.calls, 1)
	if a.delay > 0 {
		time.Sleep(a.delay)
	}
	return ActivationResult{Activation: model.Activation{ID: "act-1", Bot: req.Bot, Channel: req.Channel}}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Bots: []config.BotConfig{{
			ID:                 "bot1",
			MCommandPrefix:     "m ",
			BotReplyChainLimit: 3,
		}},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestProcessBatchActivatesOnMention(t *testing.T) {
	adapter := newFakeAdapter("bot-uid")
	activator := &recordingActivator{}
	s := New(testConfig(), adapter, activator, credits.NoopClient{}, nil, nil, nil, nil, nil, nil)

	events := []equeue.Event{{
		Kind:    equeue.KindMessage,
		Bot:     "bot1",
		Channel: "chan1",
		Message: model.DiscordMessage{ID: "m1", ChannelID: "chan1", Author: model.Author{ID: "u1"}, Content: "hi <@bot-uid> there"},
	}}

	if err := s.ProcessBatch(context.Background(), "bot1", "chan1", events); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	waitFor(t, func() bool { return atomic.LoadInt32(&activator.calls) == 1 })
}

func TestProcessBatchMCommandDeletesAndActivates(t *testing.T) {
	adapter := newFakeAdapter("bot-uid")
	activator := &recordingActivator{}
	s := New(testConfig(), adapter, activator, credits.NoopClient{}, nil, nil, nil, nil, nil, nil)

	events := []equeue.Event{{
		Kind:    equeue.KindMessage,
		Bot:     "bot1",
		Channel: "chan1",
		Message: model.DiscordMessage{ID: "m1", ChannelID: "chan1", Author: model.Author{ID: "u1"}, Content: "m <@bot-uid> do the thing"},
	}}

	if err := s.ProcessBatch(context.Background(), "bot1", "chan1", events); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	waitFor(t, func() bool { return atomic.LoadInt32(&activator.calls) == 1 })

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	if len(adapter.deleted) != 1 || adapter.deleted[0] != "m1" {
		t.Fatalf("expected m-command message deleted, got %v", adapter.deleted)
	}
}

func TestProcessBatchForeignMCommandSuppressesActivation(t *testing.T) {
	adapter := newFakeAdapter("bot-uid")
	activator := &recordingActivator{}
	s := New(testConfig(), adapter, activator, credits.NoopClient{}, nil, nil, nil, nil, nil, nil)

	events := []equeue.Event{{
		Kind:    equeue.KindMessage,
		Bot:     "bot1",
		Channel: "chan1",
		Message: model.DiscordMessage{ID: "m1", ChannelID: "chan1", Author: model.Author{ID: "u1"}, Content: "m do something else entirely"},
	}}

	if err := s.ProcessBatch(context.Background(), "bot1", "chan1", events); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&activator.calls) != 0 {
		t.Fatalf("expected no activation for foreign m-command, got %d calls", activator.calls)
	}
}

func TestProcessBatchSkipsWhenChannelAlreadyActive(t *testing.T) {
	adapter := newFakeAdapter("bot-uid")
	activator := &recordingActivator{delay: 50 * time.Millisecond}
	s := New(testConfig(), adapter, activator, credits.NoopClient{}, nil, nil, nil, nil, nil, nil)

	mention := func(id string) []equeue.Event {
		return []equeue.Event{{
			Kind:    equeue.KindMessage,
			Bot:     "bot1",
			Channel: "chan1",
			Message: model.DiscordMessage{ID: id, ChannelID: "chan1", Author: model.Author{ID: "u1"}, Content: "hi <@bot-uid>"},
		}}
	}

	_ = s.ProcessBatch(context.Background(), "bot1", "chan1", mention("m1"))
	time.Sleep(5 * time.Millisecond) // let the first activation claim the lock
	_ = s.ProcessBatch(context.Background(), "bot1", "chan1", mention("m2"))

	waitFor(t, func() bool { return atomic.LoadInt32(&activator.calls) >= 1 })
	time.Sleep(80 * time.Millisecond)
	if calls := atomic.LoadInt32(&activator.calls); calls != 1 {
		t.Fatalf("expected exactly 1 activation while channel locked, got %d", calls)
	}
}

func TestProcessBatchAPIOnlySkipsActivation(t *testing.T) {
	adapter := newFakeAdapter("bot-uid")
	activator := &recordingActivator{}
	cfg := testConfig()
	cfg.Bots[0].APIOnly = true
	s := New(cfg, adapter, activator, credits.NoopClient{}, nil, nil, nil, nil, nil, nil)

	events := []equeue.Event{{
		Kind:    equeue.KindMessage,
		Bot:     "bot1",
		Channel: "chan1",
		Message: model.DiscordMessage{ID: "m1", ChannelID: "chan1", Author: model.Author{ID: "u1"}, Content: "hi <@bot-uid>"},
	}}
	_ = s.ProcessBatch(context.Background(), "bot1", "chan1", events)
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&activator.calls) != 0 {
		t.Fatalf("expected api_only to suppress activation")
	}
}

func TestReapDeletedBotMessagesRemovesOnlyDeleteEvents(t *testing.T) {
	toolCache := &fakeToolCache{}
	s := New(testConfig(), newFakeAdapter("bot-uid"), &recordingActivator{}, credits.NoopClient{}, nil, nil, toolCache, nil, nil, nil)

	events := []equeue.Event{
		{Kind: equeue.KindMessage, MessageID: "m1"},
		{Kind: equeue.KindDelete, MessageID: "m2"},
		{Kind: equeue.KindEdit, MessageID: "m3"},
		{Kind: equeue.KindDelete, MessageID: "m4"},
	}
	s.reapDeletedBotMessages(context.Background(), "bot1", "chan1", events)

	if len(toolCache.removed) != 2 || toolCache.removed[0] != "m2" || toolCache.removed[1] != "m4" {
		t.Fatalf("expected removal for m2 and m4 only, got %+v", toolCache.removed)
	}
}

func TestReapDeletedBotMessagesNilToolCacheIsNoop(t *testing.T) {
	s := New(testConfig(), newFakeAdapter("bot-uid"), &recordingActivator{}, credits.NoopClient{}, nil, nil, nil, nil, nil, nil)

	events := []equeue.Event{{Kind: equeue.KindDelete, MessageID: "m1"}}
	s.reapDeletedBotMessages(context.Background(), "bot1", "chan1", events) // must not panic
}
