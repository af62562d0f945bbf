// Package model holds the shared data types that flow between the
// activation scheduler, context builder, inline tool-execution loop, and
// the channel state / tool cache / activation stores. None of these types
// carry behavior specific to a single package; they are the wire format the
// rest of the core agrees on.
package model

import (
	"encoding/json"
	"time"
)

// Author identifies who sent a DiscordMessage.
type Author struct {
	ID          string
	Username    string
	DisplayName string
	Bot         bool
}

// Attachment is a non-text or text file attached to a DiscordMessage.
type Attachment struct {
	Filename string
	URL      string
	MimeType string
	Size     int64
	// Text holds pre-extracted text content (text files, PDFs) when under
	// the configured size cap. Empty for binary attachments handled via
	// image selection instead.
	Text string
}

// DiscordMessage is the transport-agnostic view of a single chat message,
// already normalized by the transport adapter (bot author renamed, user
// mentions rewritten to <@username>, reply prefixed with <reply:@username>).
type DiscordMessage struct {
	ID                  string
	ChannelID           string
	GuildID             string
	Author              Author
	Content             string
	Timestamp           time.Time
	Attachments         []Attachment
	Reactions           []string
	ReferencedMessageID string // empty when not a reply
}

// ResultImage is an image produced by a tool result, base64-encoded.
type ResultImage struct {
	Data     string
	MimeType string
}

// ToolResult is the output of executing a tool call.
type ToolResult struct {
	Output string // either plain text or a serialized JSON value
	Images []ResultImage
	Error  string // non-empty marks the call as failed
}

// ToolCacheEntry is one row of the append-only Tool Cache log.
type ToolCacheEntry struct {
	ID                    string
	Name                  string
	Input                 json.RawMessage
	Result                ToolResult
	TriggeringMessageID   string
	BotMessageIDs         []string
	OriginalAssistantText string
	Timestamp             time.Time
}

// Trigger records what caused an activation.
type Trigger struct {
	Type            string // "m_command" | "mention" | "reply" | "random"
	AnchorMessageID string
}

// MessageContext holds the invisible prefix/suffix associated with a sent
// bot message, letting the activation's original assistant text be
// reconstructed exactly (§3 "Activation reconstruction").
type MessageContext struct {
	Prefix string
	Suffix string
}

// Completion is one LLM call's worth of accumulated assistant text plus the
// ids of the Discord messages it was split across. Empty SentMessageIDs
// marks a phantom completion.
type Completion struct {
	Text           string
	SentMessageIDs []string
}

// Activation is the per-(bot,channel) record of one end-to-end reaction.
type Activation struct {
	ID              string
	Bot             string
	Channel         string
	Trigger         Trigger
	Completions     []Completion
	MessageContexts map[string]MessageContext
	StopReason      string // "" while in flight; "ok" | "max_tool_depth" | "hallucination:<name>" | "start_hallucination:<name>"
	CreatedAt       time.Time
	CompletedAt     time.Time
}

// ContentSegment is a transient unit of assistant output during a single
// activation: invisible text accumulated since the previous segment, the
// visible text that becomes a sent chat message, and an optional trailing
// invisible suffix (only the last segment of a chunk carries one).
type ContentSegment struct {
	Prefix  string
	Visible string
	Suffix  string
}

// CacheControl marks a ParticipantMessage as the prompt-cache boundary.
type CacheControl struct {
	Type string // "ephemeral"
}

// BlockType enumerates the kinds of ContentBlock.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one piece of a ParticipantMessage's content. Exactly one
// of the typed fields is populated, selected by Type.
type ContentBlock struct {
	Type BlockType

	Text string // BlockText

	ImageMimeType string // BlockImage
	ImageData     string // BlockImage, base64

	ToolUseID    string          // BlockToolUse / BlockToolResult
	ToolName     string          // BlockToolUse
	ToolInput    json.RawMessage // BlockToolUse
	ToolResult   string          // BlockToolResult
	ToolImages   []ResultImage   // BlockToolResult
}

// TextContent returns a single-block text ContentBlock slice, the common case.
func TextContent(s string) []ContentBlock {
	return []ContentBlock{{Type: BlockText, Text: s}}
}

// ParticipantMessage is one entry of an LLMRequest, constructed by the
// Context Builder from a DiscordMessage, a tool-cache entry, a plugin
// injection, or a synthetic continuation placeholder.
type ParticipantMessage struct {
	Participant  string
	Content      []ContentBlock
	Timestamp    *time.Time
	MessageID    string // empty for synthetic messages
	CacheControl *CacheControl
}

// RequestMode selects how the provider should treat the trailing message.
type RequestMode string

const (
	ModeChat    RequestMode = "chat"
	ModePrefill RequestMode = "prefill"
)

// RequestConfig carries the per-call model and formatting knobs.
type RequestConfig struct {
	Model            string
	Temperature      float64
	MaxTokens        int
	TopP             float64
	Mode             RequestMode
	PrefillThinking  bool
	ThinkingLevel    string // "low" | "medium" | "high" | "" (off)
	TurnEndToken     string
	MessageDelimiter string
	PromptCaching    bool
}

// ToolSpec describes one tool available to the model.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]any
	Server      string // grouping label for display ("" = local/native)
}

// LLMRequest is the fully assembled, participant-structured request handed
// to the LLM provider.
type LLMRequest struct {
	Messages      []ParticipantMessage
	SystemPrompt  string
	Config        RequestConfig
	Tools         []ToolSpec
	StopSequences []string
}

// StopReason enumerates why the provider stopped generating.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopMaxTokens    StopReason = "max_tokens"
	StopSequenceHit  StopReason = "stop_sequence"
	StopToolUse      StopReason = "tool_use"
	StopRefusal      StopReason = "refusal"
)

// Usage reports token accounting for a single LLM call.
type Usage struct {
	InputTokens         int
	OutputTokens        int
	CacheCreationTokens int
	CacheReadTokens     int
}

// LLMCompletion is the provider's response to one LLMRequest.
type LLMCompletion struct {
	Content      []ContentBlock
	StopReason   StopReason
	StopSequence string // the literal stop sequence text that was hit, if any
	Usage        Usage
	Model        string
}

// ContextInjection is produced by a plugin and consumed once per context build.
type ContextInjection struct {
	ID             string
	Content        []ContentBlock
	TargetDepth    int
	LastModifiedAt string // message id, empty if never modified
	Priority       int
	AsSystem       bool
}

// ToolCall is a parsed <invoke> element from a model's function_calls block.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ChannelState is the per-(bot,channel) mutable record that gives the
// context builder its prompt-cache stability guarantees.
type ChannelState struct {
	Bot                  string
	Channel              string
	LastCacheMarker      string // message id, empty if unset
	CacheOldestMessageID string // message id, empty if unset
	MessagesSinceRoll    int
}
