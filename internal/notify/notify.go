package notify

import (
	"context"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

type relationKind int

const (
	relNone relationKind = iota
	relThread
	relEdit
	relReaction
)

// Relation pins an outgoing message onto an earlier room event. The zero
// value relates to nothing and posts a plain message.
type Relation struct {
	kind    relationKind
	eventID string
}

// InThread makes messages thread replies under the given root event.
func InThread(rootID string) Relation {
	return Relation{kind: relThread, eventID: rootID}
}

// Edits makes the message replace the given event's content.
func Edits(eventID string) Relation {
	return Relation{kind: relEdit, eventID: eventID}
}

// Reacts makes the message an emoji annotation on the given event.
func Reacts(eventID string) Relation {
	return Relation{kind: relReaction, eventID: eventID}
}

// EventType returns the room event type messages with this relation use.
func (r Relation) EventType() string {
	if r.kind == relReaction {
		return "m.reaction"
	}
	return "m.room.message"
}

// BuildContent maps a relation and message onto the outgoing event content.
// It is a pure function; the transport decides nothing about shape.
func BuildContent(rel Relation, message string) map[string]any {
	switch rel.kind {
	case relThread:
		return map[string]any{
			"msgtype": "m.notice",
			"body":    message,
			"m.relates_to": map[string]any{
				"rel_type": "m.thread",
				"event_id": rel.eventID,
			},
		}
	case relEdit:
		// Fallback body for clients that do not render edits.
		return map[string]any{
			"msgtype": "m.notice",
			"body":    "* " + message,
			"m.new_content": map[string]any{
				"msgtype": "m.notice",
				"body":    message,
			},
			"m.relates_to": map[string]any{
				"rel_type": "m.replace",
				"event_id": rel.eventID,
			},
		}
	case relReaction:
		return map[string]any{
			"m.relates_to": map[string]any{
				"rel_type": "m.annotation",
				"event_id": rel.eventID,
				"key":      message,
			},
		}
	default:
		return map[string]any{
			"msgtype": "m.notice",
			"body":    message,
		}
	}
}

// Sender delivers one event to the build room and returns its event ID.
type Sender interface {
	Send(ctx context.Context, eventType string, content map[string]any) (string, error)
}

// NopSender discards notifications. Used when no room is configured.
type NopSender struct{}

func (NopSender) Send(context.Context, string, map[string]any) (string, error) {
	return "", nil
}

// Notifier posts build status into the room. A notifier is immutable;
// WithRelation derives one whose messages relate to an earlier event.
type Notifier struct {
	send Sender
	rel  Relation
	log  *zap.Logger
}

// New returns a notifier posting unrelated messages through send.
func New(send Sender, log *zap.Logger) *Notifier {
	return &Notifier{send: send, log: log}
}

// WithRelation returns a notifier whose messages carry rel.
func (n *Notifier) WithRelation(rel Relation) *Notifier {
	return &Notifier{send: n.send, rel: rel, log: n.log}
}

// Notify posts message and returns the new event's ID so later messages can
// relate back to it.
func (n *Notifier) Notify(ctx context.Context, message string) (string, error) {
	eventID, err := n.send.Send(ctx, n.rel.EventType(), BuildContent(n.rel, message))
	if err != nil {
		return "", err
	}
	n.log.Debug("posted room notification", zap.String("event_id", eventID))
	return eventID, nil
}

// maxLogChars caps how much captured build output goes into one message.
const maxLogChars = 4000

// CodeBlock fences captured build output for a room message. Output beyond
// the cap keeps its tail; the failure is at the end of a build log.
func CodeBlock(output string) string {
	output = strings.TrimRight(output, "\n")
	if len(output) > maxLogChars {
		cut := len(output) - maxLogChars
		for cut < len(output) && !utf8.RuneStart(output[cut]) {
			cut++
		}
		output = "…" + output[cut:]
	}
	return "```\n" + output + "\n```"
}
