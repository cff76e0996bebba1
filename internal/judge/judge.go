// Package judge implements the command pipeline: gate the request,
// pick a prompt template, flatten the quoted forward into a
// transcript, ask the model for a verdict, and deliver it as a
// rendered image with plain-text fallback.
package judge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fogmoth/verdict/internal/access"
	"github.com/fogmoth/verdict/internal/llm"
	"github.com/fogmoth/verdict/internal/onebot"
	"github.com/fogmoth/verdict/internal/prompts"
	"github.com/fogmoth/verdict/internal/transcript"
	"github.com/fogmoth/verdict/internal/usage"
)

// defaultTemplate is used when the invocation word has no trigger
// mapping.
const defaultTemplate = "alignment.md"

// User-facing literals. The usage hint in particular is load-bearing:
// it is the dominant rejection path and callers screenshot it, so keep
// it stable.
const (
	usageHint = "Please reply to a combined-forward message when using this command.\n" +
		"Threads longer than 100 messages can be nested inside another forward."

	failureNotice = "Something went wrong calling the model. Please try again later."

	shortDirective = "\n**Keep the reply brief, a few sentences at most.**"
)

// ImageRenderer turns markdown into a PNG. Failures are recoverable;
// the pipeline falls back to plain text at every render point.
type ImageRenderer interface {
	Render(ctx context.Context, markdown string) ([]byte, error)
}

// Replier delivers message segments back to the requester, addressed
// as a reply to the triggering message.
type Replier interface {
	Reply(ctx context.Context, req Request, segs ...onebot.Segment) error
}

// Request is one inbound command invocation, assembled by the
// dispatching bridge. Quoted carries the forward bundle the requester
// replied to, already fetched; nil means nothing judgeable was quoted.
type Request struct {
	MessageID int64
	UserID    int64
	GroupID   int64 // zero for direct messages
	Word      string
	Args      []string
	Quoted    []onebot.ForwardNode
}

// Config collects the judge's collaborators.
type Config struct {
	Gate     *access.Gate
	Registry *prompts.Registry
	Triggers prompts.Triggers
	LLM      llm.Client
	Renderer ImageRenderer       // may be nil; every reply then goes out as plain text
	Resolver transcript.Resolver // may be nil; nested forwards then rely on inline content
	Store    *usage.Store        // may be nil; judgements then go unrecorded
	Logger   *slog.Logger

	// DefaultTemplate is the file used when the invocation word has no
	// trigger mapping. Empty selects alignment.md.
	DefaultTemplate string
}

// Judge runs the full command pipeline for one request at a time.
// Instances are safe for concurrent use; the only shared mutable state
// is the registry snapshot.
type Judge struct {
	gate        *access.Gate
	registry    *prompts.Registry
	triggers    prompts.Triggers
	llm         llm.Client
	renderer    ImageRenderer
	resolver    transcript.Resolver
	store       *usage.Store
	logger      *slog.Logger
	defTemplate string
}

// New creates a Judge from its collaborators.
func New(cfg Config) *Judge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	def := cfg.DefaultTemplate
	if def == "" {
		def = defaultTemplate
	}
	return &Judge{
		gate:        cfg.Gate,
		registry:    cfg.Registry,
		triggers:    cfg.Triggers,
		llm:         cfg.LLM,
		renderer:    cfg.Renderer,
		resolver:    cfg.Resolver,
		store:       cfg.Store,
		logger:      logger,
		defTemplate: def,
	}
}

// flags are the recognized command options, parsed from the tokens
// after the invocation word.
type flags struct {
	help     bool
	list     bool
	short    bool
	override string
}

func parseFlags(args []string) flags {
	var fl flags
	for _, arg := range args {
		switch {
		case arg == "--help":
			fl.help = true
		case arg == "--prompts":
			fl.list = true
		case arg == "--short":
			fl.short = true
		case strings.HasPrefix(arg, "--prompt="):
			fl.override = strings.TrimPrefix(arg, "--prompt=")
		}
	}
	return fl
}

// Handle processes one command invocation end to end. Every failure is
// absorbed here: the requester sees at most a usage hint, a generic
// failure notice, or a degraded plain-text reply, never a crash.
func (j *Judge) Handle(ctx context.Context, req Request, reply Replier) {
	if !j.gate.Allow(req.UserID, req.GroupID) {
		j.logger.Debug("request rejected by access gate",
			"user_id", req.UserID, "group_id", req.GroupID)
		return
	}

	logger := j.logger.With("message_id", req.MessageID, "user_id", req.UserID)
	logger.Info("judging request accepted", "word", req.Word, "group_id", req.GroupID)

	fl := parseFlags(req.Args)

	// Flag dispatch in fixed priority: help wins over the template
	// listing; a template override never short-circuits.
	if fl.help {
		j.sendHelp(ctx, req, reply)
		return
	}
	if fl.list {
		j.registry.Refresh()
		j.sendTemplateList(ctx, req, reply)
		return
	}

	if len(req.Quoted) == 0 {
		j.send(ctx, req, reply, onebot.Text(usageHint))
		return
	}

	var file string
	if fl.override != "" {
		resolved, ok := j.registry.Resolve(fl.override)
		if !ok {
			j.send(ctx, req, reply, onebot.Text(fmt.Sprintf(
				"No template matches %q. Send --prompts to list every template.", fl.override)))
			return
		}
		file = resolved
	} else if mapped, ok := j.triggers.Lookup(req.Word); ok {
		file = mapped
	} else {
		logger.Warn("trigger word has no template mapping, using default",
			"word", req.Word, "default", j.defTemplate)
		file = j.defTemplate
	}

	body := j.registry.Load(file)
	if fl.short {
		body += shortDirective
	}
	logger.Info("template selected", "file", file, "short", fl.short)

	// Progress message: tells the requester the call is underway and
	// previews the system prompt in use.
	previewSegs := []onebot.Segment{onebot.Text(fmt.Sprintf(
		"Asking the model, hang tight.\n(You will get a reply even if it fails.)\n\nSystem prompt in use (%s):\n", file))}
	previewSegs = append(previewSegs, j.renderOrText(ctx, body, logger)...)
	j.send(ctx, req, reply, previewSegs...)

	entries := transcript.Flatten(ctx, req.Quoted, j.resolver, logger)
	userTurn, err := transcript.Serialize(entries)
	if err != nil {
		logger.Error("serialize transcript failed", "error", err)
		j.send(ctx, req, reply, onebot.Text(failureNotice))
		j.record(ctx, req, file, nil, usage.OutcomeFailed)
		return
	}
	logger.Debug("transcript built", "entries", len(entries), "bytes", len(userTurn))

	resp, err := j.llm.Chat(ctx, []llm.Message{
		{Role: "system", Content: body},
		{Role: "user", Content: userTurn},
	})
	if err != nil {
		logger.Error("completion call failed", "template", file, "error", err)
		j.send(ctx, req, reply, onebot.Text(failureNotice))
		j.record(ctx, req, file, nil, usage.OutcomeFailed)
		return
	}

	resultSegs := []onebot.Segment{onebot.Text(fmt.Sprintf("\nPrompt file: %s\n", file))}
	outcome := usage.OutcomeImage
	if j.renderer == nil {
		resultSegs = append(resultSegs, onebot.Text(resp.Content))
		outcome = usage.OutcomeTextFallback
	} else if png, rerr := j.renderer.Render(ctx, resp.Content); rerr != nil {
		logger.Error("render verdict failed, sending text", "error", rerr)
		resultSegs = append(resultSegs, onebot.Text(resp.Content))
		outcome = usage.OutcomeTextFallback
	} else {
		resultSegs = append(resultSegs, onebot.ImageBytes(png))
	}
	j.send(ctx, req, reply, resultSegs...)
	j.record(ctx, req, file, resp, outcome)
}

// renderOrText renders markdown to an image segment, degrading to a
// text segment when the renderer fails or is absent.
func (j *Judge) renderOrText(ctx context.Context, markdown string, logger *slog.Logger) []onebot.Segment {
	if j.renderer == nil {
		return []onebot.Segment{onebot.Text(markdown)}
	}
	png, err := j.renderer.Render(ctx, markdown)
	if err != nil {
		logger.Error("render failed, sending text", "error", err)
		return []onebot.Segment{onebot.Text(markdown)}
	}
	return []onebot.Segment{onebot.ImageBytes(png)}
}

func (j *Judge) send(ctx context.Context, req Request, reply Replier, segs ...onebot.Segment) {
	if err := reply.Reply(ctx, req, segs...); err != nil {
		j.logger.Error("send reply failed", "message_id", req.MessageID, "error", err)
	}
}

func (j *Judge) record(ctx context.Context, req Request, file string, resp *llm.ChatResponse, outcome string) {
	if j.store == nil {
		return
	}
	rec := usage.Record{
		MessageID: req.MessageID,
		UserID:    req.UserID,
		GroupID:   req.GroupID,
		Template:  file,
		Outcome:   outcome,
	}
	if resp != nil {
		rec.Model = resp.Model
		rec.PromptTokens = resp.PromptTokens
		rec.CompletionTokens = resp.CompletionTokens
	}
	if err := j.store.Record(ctx, rec); err != nil {
		j.logger.Warn("record judgement failed", "error", err)
	}
}
