package render

import (
	"strings"
	"testing"
)

func TestPage_ConvertsMarkdown(t *testing.T) {
	html, err := Page("# Verdict\n\nAlice is **right**.", 700)
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{
		"<h1>Verdict</h1>",
		"<strong>right</strong>",
		"width: 700px",
		`<meta charset="utf-8">`,
	} {
		if !strings.Contains(html, want) {
			t.Errorf("Page output missing %q", want)
		}
	}
}

func TestPage_WidthParameter(t *testing.T) {
	html, err := Page("x", 480)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(html, "width: 480px") {
		t.Error("requested width not applied")
	}
	if strings.Contains(html, "width: 700px") {
		t.Error("default width leaked into styled output")
	}
}

func TestPage_GFMTables(t *testing.T) {
	md := "| Who | Score |\n| --- | --- |\n| Alice | 8 |\n"

	html, err := Page(md, 700)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(html, "<table>") {
		t.Error("table markdown did not render as a table")
	}
	if !strings.Contains(html, "<td>Alice</td>") {
		t.Error("table cell content missing")
	}
}

func TestPage_GFMStrikethrough(t *testing.T) {
	html, err := Page("~~wrong~~", 700)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(html, "<del>wrong</del>") {
		t.Error("strikethrough did not render")
	}
}

func TestPage_EscapesRawHTMLByDefault(t *testing.T) {
	html, err := Page("before <script>alert(1)</script> after", 700)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(html, "<script>alert(1)</script>") {
		t.Error("raw script tag passed through unescaped")
	}
}

func TestPage_SelfContained(t *testing.T) {
	html, err := Page("plain text", 700)
	if err != nil {
		t.Fatal(err)
	}
	for _, forbidden := range []string{"http://", "https://", "src="} {
		if strings.Contains(html, forbidden) {
			t.Errorf("document references external resource: found %q", forbidden)
		}
	}
}
