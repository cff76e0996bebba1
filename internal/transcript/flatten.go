// Package transcript flattens forwarded message bundles into the JSON
// structure sent to the model: a list where plain messages become
// "sender: text" lines and nested forwards become attributed sublists.
package transcript

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fogmoth/verdict/internal/onebot"
)

// forwardedLabel marks a nested bundle in the flattened output.
const forwardedLabel = "forwarded"

// maxFetches bounds get_forward_msg calls per flatten. Inline nesting is
// unlimited, but bundles referencing each other by resource ID would
// otherwise fetch forever.
const maxFetches = 32

// Entry is one element of a flattened transcript: either a plain line or
// a forwarded sub-transcript attributed to the sender who forwarded it.
type Entry struct {
	line    string
	sender  string
	nested  []Entry
	forward bool
}

func textEntry(sender, text string) Entry {
	return Entry{line: sender + ": " + text}
}

func forwardEntry(sender string, nested []Entry) Entry {
	if nested == nil {
		nested = []Entry{}
	}
	return Entry{sender: sender, nested: nested, forward: true}
}

// MarshalJSON renders a text entry as a JSON string and a forward entry
// as the triple [sender, "forwarded", sublist].
func (e Entry) MarshalJSON() ([]byte, error) {
	if !e.forward {
		return json.Marshal(e.line)
	}
	return json.Marshal([3]any{e.sender, forwardedLabel, e.nested})
}

// Resolver fetches the messages behind a forward resource ID. A nil
// Resolver limits flattening to inline bundle content.
type Resolver interface {
	GetForwardMsg(ctx context.Context, id string) ([]onebot.ForwardNode, error)
}

type flattener struct {
	res     Resolver
	logger  *slog.Logger
	fetches int
}

// Flatten walks a forwarded bundle and produces transcript entries. The
// sender is read once per node and applied to every line that node
// produces. Nesting is preserved to arbitrary depth. Segment kinds
// without judgeable text (images, stickers, mentions) are skipped.
func Flatten(ctx context.Context, nodes []onebot.ForwardNode, res Resolver, logger *slog.Logger) []Entry {
	if logger == nil {
		logger = slog.Default()
	}
	f := &flattener{res: res, logger: logger, fetches: maxFetches}
	return f.walk(ctx, nodes)
}

func (f *flattener) walk(ctx context.Context, nodes []onebot.ForwardNode) []Entry {
	entries := make([]Entry, 0, len(nodes))

	for _, node := range nodes {
		sender := node.Sender.DisplayName()

		for _, seg := range node.Content {
			switch seg.Type {
			case "text":
				var data onebot.TextData
				if err := json.Unmarshal(seg.Data, &data); err != nil {
					f.logger.Warn("malformed text segment", "error", err)
					continue
				}
				entries = append(entries, textEntry(sender, data.Text))

			case "forward":
				var data onebot.ForwardData
				if err := json.Unmarshal(seg.Data, &data); err != nil {
					f.logger.Warn("malformed forward segment", "error", err)
					continue
				}

				nested := data.Content
				if len(nested) == 0 && data.ID != "" && f.res != nil {
					if f.fetches <= 0 {
						f.logger.Warn("forward fetch budget exhausted, dropping", "id", data.ID)
						continue
					}
					f.fetches--

					fetched, err := f.res.GetForwardMsg(ctx, data.ID)
					if err != nil {
						f.logger.Warn("fetch nested forward failed", "id", data.ID, "error", err)
						continue
					}
					nested = fetched
				}

				entries = append(entries, forwardEntry(sender, f.walk(ctx, nested)))

			default:
				// No judgeable text in this segment kind.
			}
		}
	}

	return entries
}

// Serialize renders entries as a compact JSON array. HTML escaping is
// off so quoted chat text survives verbatim: <, >, and & are common in
// conversations and must reach the model unchanged.
func Serialize(entries []Entry) (string, error) {
	if entries == nil {
		entries = []Entry{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(entries); err != nil {
		return "", fmt.Errorf("encode transcript: %w", err)
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}
