// Package equeue implements the bounded event queue that sits between the
// transport adapters and the activation scheduler, plus the Agent Loop pump
// that drains it. Producers (one per configured transport bot) push
// transport events; a single draining goroutine batches same-channel events
// and hands each batch to the scheduler without blocking on LLM latency.
package equeue

import (
	"time"

	"github.com/nextlevelbuilder/relay/internal/model"
)

// Kind enumerates the transport events the queue carries.
type Kind string

const (
	KindMessage Kind = "message"
	KindEdit    Kind = "edit"
	KindDelete  Kind = "delete"
)

// Event is one transport occurrence, normalized by the transport adapter
// before it reaches the queue.
type Event struct {
	Kind       Kind
	Bot        string
	Channel    string
	Message    model.DiscordMessage // populated for KindMessage/KindEdit
	MessageID  string                // populated for KindDelete, and mirrors Message.ID otherwise
	ReceivedAt time.Time
}

// key groups events belonging to the same (bot, channel) pair, which is the
// unit the scheduler's processBatch operates on.
type key struct {
	bot     string
	channel string
}
