// Package toolloop implements the Inline Tool-Execution Loop (§4.3) together
// with the Activator seam (internal/scheduler.Activator) that drives one
// activation end to end: build context, call the LLM, execute any embedded
// tool calls, send progressive Discord messages, and finalize.
package toolloop

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/relay/internal/activationstore"
	"github.com/nextlevelbuilder/relay/internal/config"
	"github.com/nextlevelbuilder/relay/internal/contextbuild"
	"github.com/nextlevelbuilder/relay/internal/llm"
	"github.com/nextlevelbuilder/relay/internal/model"
	"github.com/nextlevelbuilder/relay/internal/scheduler"
	"github.com/nextlevelbuilder/relay/internal/state"
	"github.com/nextlevelbuilder/relay/internal/toolcache"
	"github.com/nextlevelbuilder/relay/internal/toolsys"
	"github.com/nextlevelbuilder/relay/internal/trace"
	"github.com/nextlevelbuilder/relay/internal/transport"
)

// Injector supplies the plugin context injections for one activation; a
// no-op implementation is fine when no plugins are configured.
type Injector interface {
	Injections(ctx context.Context, bot, channel string) []model.ContextInjection
}

// Loop implements scheduler.Activator.
type Loop struct {
	cfg       *config.Config
	transport transport.Adapter
	provider  llm.Provider
	tools     *toolsys.Registry
	policy    *toolsys.PolicyEngine
	builder   *contextbuild.Builder

	channelState    state.Store
	toolCache       toolcache.Store
	activationStore activationstore.Store
	injector        Injector

	log *slog.Logger
}

// New constructs a Loop. injector and policy may both be nil: nil injector
// means no plugin injections, nil policy means every registered tool is
// offered to every bot unfiltered.
func New(
	cfg *config.Config,
	adapter transport.Adapter,
	provider llm.Provider,
	tools *toolsys.Registry,
	policy *toolsys.PolicyEngine,
	channelState state.Store,
	toolCache toolcache.Store,
	activationStore activationstore.Store,
	injector Injector,
	log *slog.Logger,
) *Loop {
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		cfg: cfg, transport: adapter, provider: provider, tools: tools, policy: policy,
		builder: contextbuild.New(), channelState: channelState, toolCache: toolCache,
		activationStore: activationStore, injector: injector, log: log,
	}
}

// Activate builds context for one activation and drives the inline
// tool-execution loop to completion.
func (l *Loop) Activate(ctx context.Context, req scheduler.ActivationRequest) (scheduler.ActivationResult, error) {
	bc := l.cfg.BotByID(req.Bot)
	if bc == nil {
		return scheduler.ActivationResult{}, fmt.Errorf("toolloop: unknown bot %q", req.Bot)
	}

	chState, err := l.channelState.Get(ctx, req.Bot, req.Channel)
	if err != nil {
		return scheduler.ActivationResult{}, fmt.Errorf("toolloop: load channel state: %w", err)
	}

	fetch, err := l.transport.FetchContext(ctx, transport.FetchOptions{
		ChannelID:      req.Channel,
		FirstMessageID: chState.CacheOldestMessageID,
		TargetMessageID: req.AnchorMessage.ID,
	})
	if err != nil {
		return scheduler.ActivationResult{}, fmt.Errorf("toolloop: fetch context: %w", err)
	}

	existingIDs := messageIDSet(fetch.Messages)
	if err := l.toolCache.Prune(ctx, req.Bot, req.Channel, existingIDs); err != nil {
		l.log.Warn("toolloop: tool cache prune failed", "bot", req.Bot, "channel", req.Channel, "error", err)
	}

	maxTools := l.cfg.Context.MaxToolHistoryWindow
	toolEntries, err := l.toolCache.Recent(ctx, req.Bot, req.Channel, maxTools, existingIDs)
	if err != nil {
		return scheduler.ActivationResult{}, fmt.Errorf("toolloop: load tool cache: %w", err)
	}

	var activations []model.Activation
	if l.cfg.Context.PreserveThinkingContext && l.activationStore != nil {
		activations, err = l.activationStore.Recent(ctx, req.Bot, req.Channel, 0)
		if err != nil {
			return scheduler.ActivationResult{}, fmt.Errorf("toolloop: load activations: %w", err)
		}
	}

	var injections []model.ContextInjection
	if l.injector != nil {
		injections = l.injector.Injections(ctx, req.Bot, req.Channel)
	}

	systemPrompt := bc.SystemPrompt
	var specs []model.ToolSpec
	if l.policy != nil {
		specs = l.policy.FilterTools(l.tools, req.Bot, l.provider.Name(), nil)
	} else if l.tools != nil {
		specs = l.tools.Specs(l.tools.List())
	}
	if catalog := renderToolCatalog(specs); catalog != "" {
		systemPrompt = strings.TrimRight(systemPrompt, "\n") + "\n\n" + catalog
	}

	llmReq, buildResult, err := l.builder.Build(&l.cfg.Context, bc, contextbuild.Input{
		Bot: req.Bot, Channel: req.Channel, BotUserID: l.transport.GetBotUserID(req.Bot),
		Fetch: fetch, ToolEntries: toolEntries, Activations: activations, Injections: injections,
		State: chState, SystemPrompt: systemPrompt,
	})
	if err != nil {
		return scheduler.ActivationResult{}, fmt.Errorf("toolloop: build context: %w", err)
	}
	llmReq.Config = model.RequestConfig{
		Model: l.cfg.Provider.Model, MaxTokens: l.cfg.Provider.MaxTokens,
		Temperature: l.cfg.Provider.Temperature, Mode: model.ModePrefill,
	}

	messagesSinceRoll := chState.MessagesSinceRoll + 1
	if buildResult.DidRoll {
		messagesSinceRoll = 0
	}
	if _, err := l.channelState.Update(ctx, req.Bot, req.Channel, func(model.ChannelState) model.ChannelState {
		return model.ChannelState{
			Bot: req.Bot, Channel: req.Channel,
			LastCacheMarker: buildResult.CacheMarker, CacheOldestMessageID: chState.CacheOldestMessageID,
			MessagesSinceRoll: messagesSinceRoll,
		}
	}); err != nil {
		l.log.Warn("toolloop: channel state update failed", "bot", req.Bot, "channel", req.Channel, "error", err)
	}

	act := model.Activation{
		ID: uuid.New().String(), Bot: req.Bot, Channel: req.Channel,
		Trigger: req.Trigger, MessageContexts: make(map[string]model.MessageContext),
		CreatedAt: time.Now(),
	}

	participantNames := knownParticipants(fetch.Messages, bc.ParticipantName)
	nameToID := make(map[string]string, len(fetch.Messages))
	for _, m := range fetch.Messages {
		name := m.Author.DisplayName
		if name == "" {
			name = m.Author.Username
		}
		if name != "" {
			nameToID[name] = m.Author.ID
		}
	}

	run := &activationRun{
		loop: l, bc: bc, req: req, fetch: fetch,
		participantNames: participantNames, act: &act, nameToID: nameToID,
	}
	if err := run.execute(ctx, llmReq); err != nil {
		return scheduler.ActivationResult{Activation: act}, err
	}

	act.CompletedAt = time.Now()
	if act.StopReason == "" {
		act.StopReason = "ok"
	}
	return scheduler.ActivationResult{Activation: act}, nil
}

// messageIDSet builds the set of message ids the transport still fetches for
// this channel (§3, §4.5 tool-cache coherence invariant).
func messageIDSet(messages []model.DiscordMessage) map[string]bool {
	out := make(map[string]bool, len(messages))
	for _, m := range messages {
		out[m.ID] = true
	}
	return out
}

func knownParticipants(messages []model.DiscordMessage, botName string) []string {
	seen := map[string]bool{botName: true}
	var names []string
	for _, m := range messages {
		name := m.Author.DisplayName
		if name == "" {
			name = m.Author.Username
		}
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}

// activationRun holds the mutable state threaded through one activation's
// inline tool-execution loop iterations.
type activationRun struct {
	loop             *Loop
	bc               *config.BotConfig
	req              scheduler.ActivationRequest
	fetch            transport.FetchResult
	participantNames []string
	nameToID         map[string]string
	act              *model.Activation

	accumulated      string // text accumulated since the last send point
	pendingToolEntries []model.ToolCacheEntry
	pendingImages    []model.ResultImage
	lastSentMessageID string
	firstSendDone    bool
}

func (r *activationRun) execute(ctx context.Context, base model.LLMRequest) error {
	maxDepth := r.bc.MaxToolDepth
	if maxDepth <= 0 {
		maxDepth = 6
	}

	for depth := 0; depth < maxDepth; depth++ {
		contReq := r.buildContinuationRequest(base)

		start := time.Now()
		completion, err := r.loop.provider.Complete(ctx, contReq)
		r.emitLLMSpan(ctx, contReq, completion, start, err)
		if err != nil {
			return fmt.Errorf("toolloop: llm call: %w", err)
		}

		text := completionText(completion)
		stopHit := string(completion.StopSequence)

		if completion.StopReason == model.StopSequenceHit {
			handled, recurse := r.handleStopSequence(ctx, stopHit, text)
			if recurse {
				r.accumulated = text
				continue
			}
			if handled {
				r.accumulated = text
				return r.finalize(ctx, "ok")
			}
		}

		r.accumulated = text

		calls := parseToolCalls(text)
		if len(calls) == 0 {
			return r.finalize(ctx, "ok")
		}

		beforeTool := text[:strings.Index(text, "<function_calls>")]
		if depth == 0 {
			if reason, hallucinated := r.checkResponseStartHallucination(beforeTool); hallucinated {
				return r.finalize(ctx, reason)
			}
		}

		if err := r.sendSegments(ctx, beforeTool, depth == 0); err != nil {
			return err
		}

		results := r.executeToolCalls(ctx, calls)
		base = contReq
		r.accumulated = beforeTool + "<function_calls>" + results + "</function_calls>"
		r.accumulated = sanitizeAssistantText(r.accumulated)
	}

	r.act.StopReason = "max_tool_depth"
	return r.finalize(ctx, "max_tool_depth")
}

// buildContinuationRequest implements §4.3 step 1.
func (r *activationRun) buildContinuationRequest(base model.LLMRequest) model.LLMRequest {
	req := base
	req.StopSequences = append(append([]string(nil), base.StopSequences...), "</function_calls>")

	msgs := append([]model.ParticipantMessage(nil), base.Messages...)
	if len(r.pendingImages) > 0 && len(msgs) > 0 {
		content := make([]model.ContentBlock, 0, len(r.pendingImages))
		for _, img := range r.pendingImages {
			content = append(content, model.ContentBlock{Type: model.BlockImage, ImageMimeType: img.MimeType, ImageData: img.Data})
		}
		msgs = append(msgs[:len(msgs)-1], append([]model.ParticipantMessage{{
			Participant: "System<[tool]>", Content: content,
		}}, msgs[len(msgs)-1:]...)...)
		r.pendingImages = nil
	}

	if len(msgs) > 0 {
		last := &msgs[len(msgs)-1]
		if r.accumulated != "" {
			last.Content = model.TextContent(strings.TrimRight(r.accumulated, " \t\n"))
		}
	}
	req.Messages = msgs
	return req
}

// handleStopSequence implements §4.3 step 3. The bool results are
// (handled, shouldRecurse): handled means the iteration is done (finalize);
// shouldRecurse means continue the for-loop to let the model keep writing.
func (r *activationRun) handleStopSequence(ctx context.Context, stopHit, text string) (handled, recurse bool) {
	if stopHit == "</function_calls>" {
		text += "</function_calls>"
		if hasUnclosedThinking(text) || hasUnclosedInvoke(text) {
			return false, true
		}
		return false, false
	}

	if hasUnclosedFunctionCalls(text) {
		return false, true
	}
	return true, false
}

func (r *activationRun) checkResponseStartHallucination(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	for _, name := range r.participantNames {
		if name == r.bc.ParticipantName {
			continue
		}
		if strings.HasPrefix(trimmed, name+":") {
			return fmt.Sprintf("hallucination:%s", name), true
		}
	}
	return "", false
}

func (r *activationRun) sendSegments(ctx context.Context, chunk string, firstIteration bool) error {
	res := segmentChunk(chunk)
	if res.Phantom {
		if r.lastSentMessageID != "" {
			mc := r.act.MessageContexts[r.lastSentMessageID]
			mc.Suffix += res.PhantomSuffix
			r.act.MessageContexts[r.lastSentMessageID] = mc
		}
		return nil
	}

	completion := model.Completion{}
	for i, seg := range res.Segments {
		replyTo := ""
		if firstIteration && !r.firstSendDone {
			replyTo = r.req.AnchorMessage.ID
		}
		visible := seg.Visible
		trunc := postHocTruncate(visible, r.bc.ParticipantName, r.participantNames, r.loop.cfg.Context.UserStopSequences)
		if trunc.Truncated && trunc.Reason != "" {
			return r.finalize(ctx, trunc.Reason)
		}
		visible = trunc.Text

		ids, err := r.loop.transport.SendMessage(ctx, r.req.Channel, visible, replyTo)
		if err != nil {
			return fmt.Errorf("toolloop: send message: %w", err)
		}
		r.firstSendDone = true

		for j, id := range ids {
			mc := model.MessageContext{}
			if i == 0 && j == 0 {
				mc.Prefix = seg.Prefix
			}
			if i == len(res.Segments)-1 && j == len(ids)-1 {
				mc.Suffix = seg.Suffix
			}
			r.act.MessageContexts[id] = mc
			completion.SentMessageIDs = append(completion.SentMessageIDs, id)
			r.lastSentMessageID = id
		}
	}
	completion.Text = chunk
	r.act.Completions = append(r.act.Completions, completion)
	return nil
}

// executeToolCalls implements §4.3 step 8, returning the formatted result
// XML to splice back into the accumulated text (step 9).
func (r *activationRun) executeToolCalls(ctx context.Context, calls []parsedCall) string {
	var out strings.Builder
	for _, c := range calls {
		start := time.Now()
		result := r.loop.tools.Execute(ctx, model.ToolCall{Name: c.Name, Input: c.Input})
		r.emitToolSpan(ctx, c, result, start)

		text := result.Output
		if result.Error != "" {
			text = result.Error
		}
		out.WriteString(formatToolResultXML(c.Name, text))

		r.pendingImages = append(r.pendingImages, result.Images...)

		r.pendingToolEntries = append(r.pendingToolEntries, model.ToolCacheEntry{
			ID: uuid.New().String(), Name: c.Name, Input: c.Input, Result: result,
			TriggeringMessageID: r.req.AnchorMessage.ID, Timestamp: time.Now(),
		})

		if r.loop.cfg.Context.ToolOutputVisible {
			r.postToolOutputVisible(ctx, c.Name, c.Input, text, result.Images)
		}
	}
	return out.String()
}

func completionText(c *model.LLMCompletion) string {
	var b strings.Builder
	for _, blk := range c.Content {
		if blk.Type == model.BlockText {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

func (r *activationRun) emitLLMSpan(ctx context.Context, req model.LLMRequest, completion *model.LLMCompletion, start time.Time, err error) {
	collector := trace.CollectorFromContext(ctx)
	if collector == nil {
		return
	}
	now := time.Now()
	span := trace.Span{
		ID: uuid.New(), TraceID: trace.TraceIDFromContext(ctx),
		Type: trace.SpanTypeLLMCall, Name: r.loop.provider.Name(),
		Bot: r.req.Bot, Channel: r.req.Channel,
		StartTime: start, EndTime: now, DurationMS: int(now.Sub(start).Milliseconds()),
		Status: trace.StatusCompleted, Provider: r.loop.provider.Name(), Model: req.Config.Model,
	}
	if err != nil {
		span.Status = trace.StatusError
		span.Error = err.Error()
	} else {
		span.InputTokens = completion.Usage.InputTokens
		span.OutputTokens = completion.Usage.OutputTokens
	}
	collector.EmitSpan(span)
}

func (r *activationRun) emitToolSpan(ctx context.Context, call parsedCall, result model.ToolResult, start time.Time) {
	collector := trace.CollectorFromContext(ctx)
	if collector == nil {
		return
	}
	now := time.Now()
	span := trace.Span{
		ID: uuid.New(), TraceID: trace.TraceIDFromContext(ctx),
		Type: trace.SpanTypeToolCall, Name: call.Name,
		Bot: r.req.Bot, Channel: r.req.Channel, ToolName: call.Name,
		StartTime: start, EndTime: now, DurationMS: int(now.Sub(start).Milliseconds()),
		Status: trace.StatusCompleted,
	}
	if result.Error != "" {
		span.Status = trace.StatusError
		span.Error = result.Error
	}
	collector.EmitSpan(span)
}
