package toolloop

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/relay/internal/activationstore"
	"github.com/nextlevelbuilder/relay/internal/config"
	"github.com/nextlevelbuilder/relay/internal/llm"
	"github.com/nextlevelbuilder/relay/internal/model"
	"github.com/nextlevelbuilder/relay/internal/scheduler"
	"github.com/nextlevelbuilder/relay/internal/state"
	"github.com/nextlevelbuilder/relay/internal/toolcache"
	"github.com/nextlevelbuilder/relay/internal/toolsys"
	"github.com/nextlevelbuilder/relay/internal/transport"
)

// fakeAdapter is a minimal transport.Adapter recording every sent message.
type fakeAdapter struct {
	mu          sync.Mutex
	fetch       transport.FetchResult
	sent        []string
	webhooks    []string
	attachments []string
	nextID      int
	botUID      string
}

func newFakeAdapter() *fakeAdapter { return &fakeAdapter{botUID: "bot-uid"} }

func (f *fakeAdapter) FetchContext(ctx context.Context, opts transport.FetchOptions) (transport.FetchResult, error) {
	return f.fetch, nil
}
func (f *fakeAdapter) FetchPinnedConfigs(ctx context.Context, channelID string) ([]string, error) {
	return nil, nil
}
func (f *fakeAdapter) SendMessage(ctx context.Context, channelID, content, replyTo string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := "sent-" + itoa(f.nextID)
	f.sent = append(f.sent, content)
	return []string{id}, nil
}
func (f *fakeAdapter) SendWebhook(ctx context.Context, channelID, username, content string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.webhooks = append(f.webhooks, content)
	return []string{"webhook-1"}, nil
}
func (f *fakeAdapter) SendImageAttachment(ctx context.Context, channelID string, data []byte, mimeType, filename string) (string, error) {
	return "", nil
}
func (f *fakeAdapter) SendFileAttachment(ctx context.Context, channelID string, data []byte, filename string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachments = append(f.attachments, string(data))
	return "file-1", nil
}
func (f *fakeAdapter) EditMessage(ctx context.Context, channelID, messageID, content string) error {
	return nil
}
func (f *fakeAdapter) DeleteMessage(ctx context.Context, channelID, messageID string) error { return nil }
func (f *fakeAdapter) PinMessage(ctx context.Context, channelID, messageID string) error    { return nil }
func (f *fakeAdapter) AddReaction(ctx context.Context, channelID, messageID, emoji string) error {
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
func (f *fakeAdapter) GetBotUserID(string) string   { return f.botUID }
func (f *fakeAdapter) GetBotUsername(string) string { return "assistant" }
func (f *fakeAdapter) ResolveMessage(ctx context.Context, channelID, messageID string) (model.DiscordMessage, bool, error) {
	return model.DiscordMessage{}, false, nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// fakeProvider returns completions from a prepared queue, one per Complete call.
type fakeProvider struct {
	queue []*model.LLMCompletion
	calls int
}

func (p *fakeProvider) Complete(ctx context.Context, req model.LLMRequest) (*model.LLMCompletion, error) {
	c := p.queue[p.calls]
	p.calls++
	return c, nil
}
func (p *fakeProvider) Stream(ctx context.Context, req model.LLMRequest, onChunk func(llm.StreamChunk)) (*model.LLMCompletion, error) {
	return p.Complete(ctx, req)
}
func (p *fakeProvider) DefaultModel() string { return "fake-model" }
func (p *fakeProvider) Name() string         { return "fake" }

func textCompletion(text string, stopReason model.StopReason, stopSeq string) *model.LLMCompletion {
	return &model.LLMCompletion{
		Content:      []model.ContentBlock{{Type: model.BlockText, Text: text}},
		StopReason:   stopReason,
		StopSequence: stopSeq,
	}
}

// memState/memToolCache/memActivations are tiny in-memory fakes for the
// store interfaces, enough to exercise Activate end to end.
type memState struct{ s model.ChannelState }

func (m *memState) Get(ctx context.Context, bot, channel string) (model.ChannelState, error) {
	return m.s, nil
}
func (m *memState) Update(ctx context.Context, bot, channel string, fn func(model.ChannelState) model.ChannelState) (model.ChannelState, error) {
	m.s = fn(m.s)
	return m.s, nil
}

var _ state.Store = (*memState)(nil)

type memToolCache struct{ entries []model.ToolCacheEntry }

func (m *memToolCache) Append(ctx context.Context, bot, channel string, entry model.ToolCacheEntry) error {
	m.entries = append(m.entries, entry)
	return nil
}
func (m *memToolCache) Recent(ctx context.Context, bot, channel string, limit int, existingMessageIDs map[string]bool) ([]model.ToolCacheEntry, error) {
	return m.entries, nil
}
func (m *memToolCache) Get(ctx context.Context, bot, channel, id string) (model.ToolCacheEntry, bool, error) {
	for _, e := range m.entries {
		if e.ID == id {
			return e, true, nil
		}
	}
	return model.ToolCacheEntry{}, false, nil
}
func (m *memToolCache) RemoveByBotMessageID(ctx context.Context, bot, channel, messageID string) error {
	return nil
}
func (m *memToolCache) Prune(ctx context.Context, bot, channel string, fetchedMessageIDs map[string]bool) error {
	return nil
}

var _ toolcache.Store = (*memToolCache)(nil)

type memActivations struct{ saved []model.Activation }

func (m *memActivations) Save(ctx context.Context, act model.Activation) error {
	m.saved = append(m.saved, act)
	return nil
}
func (m *memActivations) Recent(ctx context.Context, bot, channel string, limit int) ([]model.Activation, error) {
	return nil, nil
}
func (m *memActivations) ByMessageID(ctx context.Context, bot, channel, messageID string) (model.Activation, bool, error) {
	return model.Activation{}, false, nil
}

var _ activationstore.Store = (*memActivations)(nil)

func testBotConfig() *config.Config {
	return &config.Config{
		Bots: []config.BotConfig{{
			ID:              "bot1",
			ParticipantName: "assistant",
			MaxToolDepth:    3,
		}},
		Provider: config.ProviderConfig{Model: "fake-model", MaxTokens: 1024},
		Context:  config.ContextConfig{MaxMCPImages: 4, MaxToolHistoryWindow: 40},
	}
}

func TestActivateSimpleReplyNoTools(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.fetch = transport.FetchResult{Messages: []model.DiscordMessage{
		{ID: "m1", Author: model.Author{ID: "u1", Username: "alice"}, Content: "hello <@bot-uid>"},
	}}
	provider := &fakeProvider{queue: []*model.LLMCompletion{
		textCompletion("hi there!", model.StopEndTurn, ""),
	}}
	l := New(testBotConfig(), adapter, provider, toolsys.NewRegistry(), nil, &memState{}, &memToolCache{}, &memActivations{}, nil, nil)

	res, err := l.Activate(context.Background(), scheduler.ActivationRequest{
		Bot: "bot1", Channel: "chan1",
		AnchorMessage: model.DiscordMessage{ID: "m1", Author: model.Author{ID: "u1", Username: "alice"}},
	})
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if res.Activation.StopReason != "ok" {
		t.Fatalf("expected stop reason ok, got %q", res.Activation.StopReason)
	}
	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	if len(adapter.sent) != 1 || adapter.sent[0] != "hi there!" {
		t.Fatalf("expected one sent message \"hi there!\", got %v", adapter.sent)
	}
}

func TestActivateExecutesToolCallAndContinues(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.fetch = transport.FetchResult{Messages: []model.DiscordMessage{
		{ID: "m1", Author: model.Author{ID: "u1", Username: "alice"}, Content: "what time is it <@bot-uid>"},
	}}

	toolCallText := "Let me check.\n<function_calls><invoke name=\"clock\"><parameter name=\"tz\">UTC</parameter></invoke></function_calls>"
	provider := &fakeProvider{queue: []*model.LLMCompletion{
		textCompletion(toolCallText, model.StopEndTurn, ""),
		textCompletion("It is noon.", model.StopEndTurn, ""),
	}}

	registry := toolsys.NewRegistry()
	var gotInput json.RawMessage
	registry.Register(toolsys.Tool{
		Spec: model.ToolSpec{Name: "clock"},
		Execute: func(ctx context.Context, input json.RawMessage) model.ToolResult {
			gotInput = input
			return model.ToolResult{Output: "12:00 UTC"}
		},
	})

	toolCache := &memToolCache{}
	l := New(testBotConfig(), adapter, provider, registry, nil, &memState{}, toolCache, &memActivations{}, nil, nil)

	res, err := l.Activate(context.Background(), scheduler.ActivationRequest{
		Bot: "bot1", Channel: "chan1",
		AnchorMessage: model.DiscordMessage{ID: "m1", Author: model.Author{ID: "u1", Username: "alice"}},
	})
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if res.Activation.StopReason != "ok" {
		t.Fatalf("expected stop reason ok, got %q", res.Activation.StopReason)
	}
	if gotInput == nil {
		t.Fatalf("expected the clock tool to be invoked")
	}
	if len(toolCache.entries) != 1 || toolCache.entries[0].Name != "clock" {
		t.Fatalf("expected one tool cache entry for clock, got %v", toolCache.entries)
	}

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	if len(adapter.sent) != 2 {
		t.Fatalf("expected two sent messages (pre-tool text, then final), got %v", adapter.sent)
	}
	if adapter.sent[0] != "Let me check." {
		t.Fatalf("expected first sent message to be the pre-tool text, got %q", adapter.sent[0])
	}
	if adapter.sent[1] != "It is noon." {
		t.Fatalf("expected second sent message to be the post-tool text, got %q", adapter.sent[1])
	}
}

func TestActivateMaxToolDepthReached(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.fetch = transport.FetchResult{Messages: []model.DiscordMessage{
		{ID: "m1", Author: model.Author{ID: "u1", Username: "alice"}, Content: "loop <@bot-uid>"},
	}}

	loopText := "<function_calls><invoke name=\"noop\"></invoke></function_calls>"
	provider := &fakeProvider{queue: []*model.LLMCompletion{
		textCompletion(loopText, model.StopEndTurn, ""),
		textCompletion(loopText, model.StopEndTurn, ""),
		textCompletion(loopText, model.StopEndTurn, ""),
	}}

	registry := toolsys.NewRegistry()
	registry.Register(toolsys.Tool{
		Spec: model.ToolSpec{Name: "noop"},
		Execute: func(ctx context.Context, input json.RawMessage) model.ToolResult {
			return model.ToolResult{Output: "ok"}
		},
	})

	cfg := testBotConfig()
	cfg.Bots[0].MaxToolDepth = 3
	l := New(cfg, adapter, provider, registry, nil, &memState{}, &memToolCache{}, &memActivations{}, nil, nil)

	res, err := l.Activate(context.Background(), scheduler.ActivationRequest{
		Bot: "bot1", Channel: "chan1",
		AnchorMessage: model.DiscordMessage{ID: "m1", Author: model.Author{ID: "u1", Username: "alice"}},
	})
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if res.Activation.StopReason != "max_tool_depth" {
		t.Fatalf("expected stop reason max_tool_depth, got %q", res.Activation.StopReason)
	}
}
