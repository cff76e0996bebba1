package judge

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/fogmoth/verdict/internal/onebot"
)

//go:embed help.md
var helpDoc string

// sendHelp replies with the rendered help page, prefixed by the live
// list of command words.
func (j *Judge) sendHelp(ctx context.Context, req Request, reply Replier) {
	doc := "**Available commands**: " + strings.Join(j.triggers.Words(), ", ") +
		"\n\n---\n\n" + helpDoc
	j.send(ctx, req, reply, j.renderOrText(ctx, doc, j.logger)...)
}

// sendTemplateList replies with every template document concatenated
// into one rendered image. The registry has already been refreshed by
// the caller, so the listing reflects the directory as it is now.
func (j *Judge) sendTemplateList(ctx context.Context, req Request, reply Replier) {
	files := j.registry.Files()
	if len(files) == 0 {
		j.send(ctx, req, reply, onebot.Text("No prompt files found."))
		return
	}

	sections := make([]string, 0, len(files))
	for _, file := range files {
		raw, err := j.registry.Raw(file)
		if err != nil {
			j.logger.Error("read template for listing failed", "file", file, "error", err)
			sections = append(sections, fmt.Sprintf("## %s\n\nfailed to read: %v", file, err))
			continue
		}
		sections = append(sections, fmt.Sprintf("# %s\n\n%s", file, raw))
	}
	joined := strings.Join(sections, "\n\n---\n\n")

	segs := []onebot.Segment{onebot.Text(fmt.Sprintf("Found %d prompt files:\n", len(files)))}
	if j.renderer == nil {
		segs = append(segs, onebot.Text(truncateRunes(joined, 500)))
	} else if png, err := j.renderer.Render(ctx, joined); err != nil {
		j.logger.Error("render template listing failed, sending text", "error", err)
		segs = append(segs, onebot.Text(fmt.Sprintf(
			"but rendering the image failed\n\n%s...", truncateRunes(joined, 500))))
	} else {
		segs = append(segs, onebot.ImageBytes(png))
	}
	j.send(ctx, req, reply, segs...)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
