// Package render turns markdown verdicts into PNG images via a
// headless Chromium. Callers treat every failure here as recoverable
// and fall back to sending plain text.
package render

import (
	"bytes"
	"fmt"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// converter renders markdown with GFM extensions enabled. Completion
// output regularly uses tables and strikethrough, which plain
// CommonMark would pass through as literal text.
var converter = goldmark.New(goldmark.WithExtensions(extension.GFM))

// Page converts markdown to a self-contained HTML document sized to
// the given pixel width. The page references no external resources, so
// it renders identically offline.
func Page(markdown string, width int) (string, error) {
	var buf bytes.Buffer
	if err := converter.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("convert markdown: %w", err)
	}

	html := fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8">
<style>
body {
  width: %dpx;
  margin: 0;
  padding: 28px 32px;
  box-sizing: border-box;
  background: #fffdf8;
  color: #2b2b2b;
  font-family: "PingFang SC", "Microsoft YaHei", "Noto Sans CJK SC", sans-serif;
  font-size: 16px;
  line-height: 1.7;
}
h1, h2, h3 { line-height: 1.3; margin: 0.8em 0 0.4em; }
p { margin: 0.5em 0; }
blockquote {
  margin: 0.6em 0;
  padding: 0.1em 1em;
  border-left: 4px solid #d8c9a3;
  background: #f7f2e7;
  color: #555;
}
code {
  font-family: "SF Mono", Consolas, monospace;
  font-size: 14px;
  background: #f0ece1;
  padding: 1px 5px;
  border-radius: 3px;
}
pre { background: #f0ece1; padding: 12px; border-radius: 6px; overflow-x: hidden; }
pre code { background: none; padding: 0; white-space: pre-wrap; word-break: break-all; }
table { border-collapse: collapse; margin: 0.6em 0; }
th, td { border: 1px solid #d8cfb8; padding: 5px 10px; }
th { background: #f0e9d8; }
hr { border: none; border-top: 1px solid #ded5c0; margin: 1em 0; }
</style>
</head>
<body>
%s
</body></html>`, width, buf.String())

	return html, nil
}
