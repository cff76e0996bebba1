package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/fogmoth/verdict/internal/judge"
	"github.com/fogmoth/verdict/internal/onebot"
	"github.com/fogmoth/verdict/internal/prompts"
)

// handleTimeout bounds how long a single command may be processed
// (forward resolution + completion call + rendering + sends).
const handleTimeout = 5 * time.Minute

// botAPI abstracts the OneBot client for testability. The real
// implementation is *onebot.Client.
type botAPI interface {
	Events() <-chan onebot.Event
	GetMsg(ctx context.Context, messageID int64) (*onebot.MsgDetail, error)
	GetForwardMsg(ctx context.Context, id string) ([]onebot.ForwardNode, error)
	SendPrivateMsg(ctx context.Context, userID int64, msg onebot.Message) (int64, error)
	SendGroupMsg(ctx context.Context, groupID int64, msg onebot.Message) (int64, error)
}

// requestHandler abstracts the judge pipeline for testability. The real
// implementation is *judge.Judge.
type requestHandler interface {
	Handle(ctx context.Context, req judge.Request, reply judge.Replier)
}

// BridgeConfig holds the dependencies for a Bridge.
type BridgeConfig struct {
	Bot     botAPI
	Handler requestHandler
	// Prefix precedes every trigger word, e.g. "/" for "/judge".
	// Empty matches bare trigger words.
	Prefix   string
	Triggers prompts.Triggers
	Logger   *slog.Logger
}

// Bridge consumes OneBot events, recognizes command invocations, fetches
// the quoted forward bundle, and hands complete requests to the judge.
// It also delivers the judge's replies, addressed as a reply to the
// triggering message.
type Bridge struct {
	bot     botAPI
	handler requestHandler
	prefix  string
	words   map[string]struct{}
	logger  *slog.Logger
}

// NewBridge creates an event bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	words := make(map[string]struct{})
	for _, w := range cfg.Triggers.Words() {
		words[w] = struct{}{}
	}
	return &Bridge{
		bot:     cfg.Bot,
		handler: cfg.Handler,
		prefix:  cfg.Prefix,
		words:   words,
		logger:  logger,
	}
}

// Start consumes events until ctx is cancelled or the event channel
// closes. Each recognized command is handled in its own goroutine so a
// slow completion call never blocks the event stream.
func (b *Bridge) Start(ctx context.Context) {
	b.logger.Info("bridge started", "prefix", b.prefix, "trigger_words", len(b.words))

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("bridge shutting down")
			return
		case ev, ok := <-b.bot.Events():
			if !ok {
				b.logger.Info("event channel closed, bridge stopping")
				return
			}
			b.dispatch(ctx, ev)
		}
	}
}

// dispatch filters one event and spawns a handler for recognized
// commands. Everything else is dropped without logging; group traffic
// is almost entirely not for us.
func (b *Bridge) dispatch(ctx context.Context, ev onebot.Event) {
	if !ev.IsGroupMessage() && !ev.IsPrivateMessage() {
		return
	}

	word, args, ok := b.parseCommand(ev.Message)
	if !ok {
		return
	}

	b.logger.Debug("command recognized",
		"word", word,
		"message_id", ev.MessageID,
		"user_id", ev.UserID,
		"group_id", ev.GroupID,
	)

	go b.handle(ctx, ev, word, args)
}

func (b *Bridge) handle(ctx context.Context, ev onebot.Event, word string, args []string) {
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	req := judge.Request{
		MessageID: ev.MessageID,
		UserID:    ev.UserID,
		GroupID:   ev.GroupID,
		Word:      word,
		Args:      args,
		Quoted:    b.quotedForward(ctx, ev.Message),
	}
	b.handler.Handle(ctx, req, b)
}

// parseCommand extracts the invocation word and arguments from a
// message. The first whitespace token of the concatenated text segments
// must be the prefix followed by a known trigger word; bridges often
// put reply and mention segments before the text, so non-text segments
// are skipped rather than treated as a mismatch.
func (b *Bridge) parseCommand(msg onebot.Message) (string, []string, bool) {
	var sb strings.Builder
	for _, seg := range msg {
		if seg.Type != "text" {
			continue
		}
		var d onebot.TextData
		if err := json.Unmarshal(seg.Data, &d); err != nil {
			continue
		}
		sb.WriteString(d.Text)
	}

	fields := strings.Fields(sb.String())
	if len(fields) == 0 {
		return "", nil, false
	}

	word, found := strings.CutPrefix(fields[0], b.prefix)
	if !found {
		return "", nil, false
	}
	if _, ok := b.words[word]; !ok {
		return "", nil, false
	}
	return word, fields[1:], true
}

// quotedForward resolves the forward bundle behind the reply segment, if
// any. Returns nil when the message quotes nothing, the quoted message
// is not a combined forward, or resolution fails; the judge then answers
// with its usage hint.
func (b *Bridge) quotedForward(ctx context.Context, msg onebot.Message) []onebot.ForwardNode {
	var replyID int64
	for _, seg := range msg {
		if seg.Type != "reply" {
			continue
		}
		var d onebot.ReplyData
		if err := json.Unmarshal(seg.Data, &d); err != nil {
			b.logger.Warn("malformed reply segment", "error", err)
			return nil
		}
		id, err := d.MessageID()
		if err != nil {
			b.logger.Warn("unparseable reply id", "error", err)
			return nil
		}
		replyID = id
		break
	}
	if replyID == 0 {
		return nil
	}

	detail, err := b.bot.GetMsg(ctx, replyID)
	if err != nil {
		b.logger.Warn("fetch quoted message failed", "message_id", replyID, "error", err)
		return nil
	}

	for _, seg := range detail.Message {
		if seg.Type != "forward" {
			continue
		}
		var d onebot.ForwardData
		if err := json.Unmarshal(seg.Data, &d); err != nil {
			b.logger.Warn("malformed forward segment", "message_id", replyID, "error", err)
			return nil
		}

		// Bridges that inline the bundle save us a round trip.
		if len(d.Content) > 0 {
			return d.Content
		}
		if d.ID == "" {
			return nil
		}
		nodes, err := b.bot.GetForwardMsg(ctx, d.ID)
		if err != nil {
			b.logger.Warn("fetch forward content failed", "forward_id", d.ID, "error", err)
			return nil
		}
		return nodes
	}
	return nil
}

// Reply implements [judge.Replier]: it prepends a reply marker quoting
// the triggering message and sends to wherever the request came from.
func (b *Bridge) Reply(ctx context.Context, req judge.Request, segs ...onebot.Segment) error {
	msg := make(onebot.Message, 0, len(segs)+1)
	msg = append(msg, onebot.Reply(req.MessageID))
	msg = append(msg, segs...)

	var err error
	if req.GroupID != 0 {
		_, err = b.bot.SendGroupMsg(ctx, req.GroupID, msg)
	} else {
		_, err = b.bot.SendPrivateMsg(ctx, req.UserID, msg)
	}
	return err
}
