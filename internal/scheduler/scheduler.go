// Package scheduler implements the Activation Scheduler (§4.1): the
// orchestration entry point that decides whether a batch of transport
// events should activate a bot, enforces per-channel mutual exclusion and
// credit gating, and drives one activation end to end. It satisfies
// equeue.Scheduler, so the Agent Loop pump dispatches directly into it.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/relay/internal/activationstore"
	"github.com/nextlevelbuilder/relay/internal/config"
	"github.com/nextlevelbuilder/relay/internal/credits"
	"github.com/nextlevelbuilder/relay/internal/equeue"
	"github.com/nextlevelbuilder/relay/internal/model"
	"github.com/nextlevelbuilder/relay/internal/state"
	"github.com/nextlevelbuilder/relay/internal/toolcache"
	"github.com/nextlevelbuilder/relay/internal/trace"
	"github.com/nextlevelbuilder/relay/internal/transport"
)

// maxBotReplyChainWalk bounds the reply-chain walk of §4.1.3 even when a
// bot misreports its own chain limit, guarding against malformed reply
// references cycling forever (§9 "Cyclic reply chains").
const maxBotReplyChainWalk = 64

// Activator builds the context and drives the inline tool-execution loop
// for one activation. internal/contextbuild + internal/toolloop implement
// it; kept as an interface here so the scheduler's gating/locking logic is
// testable without a real LLM.
type Activator interface {
	Activate(ctx context.Context, req ActivationRequest) (ActivationResult, error)
}

// ActivationRequest is everything an Activator needs to run one activation.
type ActivationRequest struct {
	Bot           string
	Channel       string
	Trigger       model.Trigger
	AnchorMessage model.DiscordMessage
}

// ActivationResult reports the outcome so the scheduler can update state
// and decide on a credit refund.
type ActivationResult struct {
	Activation model.Activation
	Err        error
}

// Scheduler implements equeue.Scheduler.
type Scheduler struct {
	cfg       *config.Config
	transport transport.Adapter
	activator Activator
	credits   credits.Client
	collector trace.Collector

	channelState    state.Store
	toolCache       toolcache.Store
	activationStore activationstore.Store

	limiter *rate.Limiter

	mu     sync.Mutex
	active map[string]bool // "bot\x00channel" -> in flight

	log *slog.Logger
}

// New constructs a Scheduler. limiter bounds process-wide concurrent LLM
// calls across every channel; pass nil for unlimited.
func New(
	cfg *config.Config,
	adapter transport.Adapter,
	activator Activator,
	creditClient credits.Client,
	collector trace.Collector,
	channelState state.Store,
	toolCache toolcache.Store,
	activationStore activationstore.Store,
	limiter *rate.Limiter,
	log *slog.Logger,
) *Scheduler {
	if creditClient == nil {
		creditClient = credits.NoopClient{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cfg:             cfg,
		transport:       adapter,
		activator:       activator,
		credits:         creditClient,
		collector:       collector,
		channelState:    channelState,
		toolCache:       toolCache,
		activationStore: activationStore,
		limiter:         limiter,
		active:          make(map[string]bool),
		log:             log,
	}
}

// ProcessBatch implements equeue.Scheduler (§4.1 processBatch).
func (s *Scheduler) ProcessBatch(ctx context.Context, bot, channel string, events []equeue.Event) error {
	bc := s.cfg.BotByID(bot)
	if bc == nil {
		return fmt.Errorf("scheduler: unknown bot %q", bot)
	}

	s.reapDeletedBotMessages(ctx, bot, channel, events)

	if bc.APIOnly {
		return nil
	}

	trig, anchor, mCommandID, ok := s.shouldActivate(ctx, bc, events)
	if !ok {
		return nil
	}

	if mCommandID != "" {
		_ = s.transport.DeleteMessage(ctx, channel, mCommandID)
	}

	key := bot + "\x00" + channel
	s.mu.Lock()
	if s.active[key] {
		s.mu.Unlock()
		return nil // another activation in flight (§4.1 step 5, P1)
	}
	s.active[key] = true
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		delete(s.active, key)
		s.mu.Unlock()
	}

	txnID, blocked := s.checkCredit(ctx, bc, bot, channel, trig, anchor)
	if blocked {
		release()
		return nil
	}

	go s.runActivation(ctx, bc, bot, channel, trig, anchor, txnID, release)
	return nil
}

// reapDeletedBotMessages implements §4.1 step 1. A KindDelete event only
// carries the deleted message's id, not its author, so removal is keyed
// purely on BotMessageIDs membership — the only IDs ever recorded there are
// the bot's own sent messages (set once in finalize.go), so this can never
// spuriously drop an entry for someone else's deleted message.
func (s *Scheduler) reapDeletedBotMessages(ctx context.Context, bot, channel string, events []equeue.Event) {
	if s.toolCache == nil {
		return
	}
	for _, ev := range events {
		if ev.Kind != equeue.KindDelete {
			continue
		}
		if err := s.toolCache.RemoveByBotMessageID(ctx, bot, channel, ev.MessageID); err != nil {
			s.log.Warn("scheduler: tool cache reap failed", "bot", bot, "channel", channel, "error", err)
		}
	}
}

// shouldActivate implements §4.1.1 plus the mention-chain-depth gate of
// §4.1.2 step 2 and the m-command suppression rule.
func (s *Scheduler) shouldActivate(ctx context.Context, bc *config.BotConfig, events []equeue.Event) (model.Trigger, model.DiscordMessage, string, bool) {
	var anchor model.DiscordMessage
	haveAnchor := false
	var firstAny model.DiscordMessage
	haveFirstAny := false

	var mCommandID string
	mCommandAddressed := false
	sawForeignMCommand := false

	botUserID := s.transport.GetBotUserID(bc.ID)
	prefix := bc.MCommandPrefix
	if prefix == "" {
		prefix = "m "
	}

	for _, ev := range events {
		if ev.Kind != equeue.KindMessage {
			continue
		}
		m := ev.Message
		if m.Author.ID == botUserID {
			continue
		}

		if !haveFirstAny {
			firstAny = m
			haveFirstAny = true
		}
		if !haveAnchor && !looksLikeSystem(m) {
			anchor = m
			haveAnchor = true
		}

		if strings.HasPrefix(m.Content, prefix) {
			addressed := mentionsBot(m, botUserID) || s.repliesTo(ctx, m, botUserID)
			if addressed {
				mCommandAddressed = true
				mCommandID = m.ID
			} else {
				sawForeignMCommand = true
			}
		}
	}

	if !haveAnchor {
		anchor = firstAny
		haveAnchor = haveFirstAny
	}
	if !haveAnchor {
		return model.Trigger{}, model.DiscordMessage{}, "", false
	}

	if sawForeignMCommand && !mCommandAddressed {
		return model.Trigger{}, model.DiscordMessage{}, "", false
	}
	if mCommandAddressed {
		return model.Trigger{Type: "m_command", AnchorMessageID: anchor.ID}, anchor, mCommandID, true
	}

	if mentionsBot(anchor, botUserID) {
		depth := s.botReplyChainDepth(ctx, bc, anchor)
		if bc.BotReplyChainLimit > 0 && depth >= bc.BotReplyChainLimit {
			if bc.ChainLimitReaction != "" {
				_ = s.transport.AddReaction(ctx, anchor.ChannelID, anchor.ID, bc.ChainLimitReaction)
			}
			return model.Trigger{}, model.DiscordMessage{}, "", false
		}
		return model.Trigger{Type: "mention", AnchorMessageID: anchor.ID}, anchor, "", true
	}

	if anchor.ReferencedMessageID != "" && s.repliesTo(ctx, anchor, botUserID) {
		return model.Trigger{Type: "reply", AnchorMessageID: anchor.ID}, anchor, "", true
	}

	if bc.ReplyOnRandom > 0 && rand.Intn(bc.ReplyOnRandom) == 0 {
		return model.Trigger{Type: "random", AnchorMessageID: anchor.ID}, anchor, "", true
	}

	return model.Trigger{}, model.DiscordMessage{}, "", false
}

func looksLikeSystem(m model.DiscordMessage) bool {
	return m.Author.ID == "" && m.Author.Username == ""
}

func mentionsBot(m model.DiscordMessage, botUserID string) bool {
	return botUserID != "" && strings.Contains(m.Content, "<@"+botUserID+">")
}

func (s *Scheduler) repliesTo(ctx context.Context, m model.DiscordMessage, botUserID string) bool {
	if m.ReferencedMessageID == "" {
		return false
	}
	ref, ok, err := s.transport.ResolveMessage(ctx, m.ChannelID, m.ReferencedMessageID)
	if err != nil || !ok {
		return false
	}
	return ref.Author.ID == botUserID
}

// botReplyChainDepth walks the reply chain backward from anchor through bot
// authors, counting distinct consecutive bot identities, with a visited-set
// to guard against cyclic/malformed reply references (§4.1.3, §9).
func (s *Scheduler) botReplyChainDepth(ctx context.Context, bc *config.BotConfig, anchor model.DiscordMessage) int {
	depth := 0
	visited := make(map[string]bool)
	cur := anchor
	var lastBotIdentity string

	for i := 0; i < maxBotReplyChainWalk; i++ {
		if cur.ReferencedMessageID == "" || visited[cur.ReferencedMessageID] {
			break
		}
		visited[cur.ReferencedMessageID] = true

		prev, ok, err := s.transport.ResolveMessage(ctx, cur.ChannelID, cur.ReferencedMessageID)
		if err != nil || !ok || !prev.Author.Bot {
			break
		}
		if prev.Author.ID != lastBotIdentity {
			depth++
			lastBotIdentity = prev.Author.ID
		}
		cur = prev
	}
	return depth
}

// checkCredit implements §4.1.2.
func (s *Scheduler) checkCredit(ctx context.Context, bc *config.BotConfig, bot, channel string, trig model.Trigger, anchor model.DiscordMessage) (txnID string, blocked bool) {
	if !s.cfg.Credits.Enabled || trig.Type == "random" {
		return "", false
	}

	res, err := s.credits.CheckAndDeduct(ctx, credits.CheckRequest{
		UserID:      anchor.Author.ID,
		ServerID:    anchor.GuildID,
		ChannelID:   channel,
		BotID:       bot,
		MessageID:   anchor.ID,
		TriggerType: trig.Type,
	})
	if err != nil {
		return "", false // transport/credit failure fails open
	}
	if res.Allowed {
		return res.TransactionID, false
	}
	if res.Reason == credits.ReasonBotNotConfigured && bc.ConfigNeededReaction != "" {
		_ = s.transport.AddReaction(ctx, channel, anchor.ID, bc.ConfigNeededReaction)
	}
	return "", true
}

// runActivation drives one activation (§4.1 step 7) and applies its
// release/refund/state-update side effects.
func (s *Scheduler) runActivation(ctx context.Context, bc *config.BotConfig, bot, channel string, trig model.Trigger, anchor model.DiscordMessage, txnID string, release func()) {
	defer release()

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
	}

	stop, _ := s.transport.StartTyping(ctx, channel)
	defer stop()

	traceID := uuid.New()
	ctx = trace.WithTraceID(ctx, traceID)
	if s.collector != nil {
		ctx = trace.WithCollector(ctx, s.collector)
	}

	start := time.Now()
	result, err := s.activator.Activate(ctx, ActivationRequest{
		Bot: bot, Channel: channel, Trigger: trig, AnchorMessage: anchor,
	})

	if s.collector != nil {
		now := time.Now()
		span := trace.Span{
			ID:         uuid.New(),
			TraceID:    traceID,
			Type:       trace.SpanTypeActivation,
			Name:       bot,
			Bot:        bot,
			Channel:    channel,
			StartTime:  start,
			EndTime:    now,
			DurationMS: int(now.Sub(start).Milliseconds()),
			Status:     trace.StatusCompleted,
		}
		if err != nil {
			span.Status = trace.StatusError
			span.Error = err.Error()
		}
		s.collector.EmitSpan(span)
	}

	if err != nil {
		s.log.Error("activation failed", "bot", bot, "channel", channel, "error", err)
		if txnID != "" {
			_ = s.credits.Refund(ctx, txnID, credits.RefundInferenceFailed)
		}
		return
	}

	if result.Activation.ID != "" && s.activationStore != nil {
		if err := s.activationStore.Save(ctx, result.Activation); err != nil {
			s.log.Error("activation persist failed", "bot", bot, "channel", channel, "error", err)
		}
	}
}

