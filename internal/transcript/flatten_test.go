package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/fogmoth/verdict/internal/onebot"
)

// node builds a ForwardNode from a nickname and pre-marshaled segments.
func node(nickname string, segs ...onebot.Segment) onebot.ForwardNode {
	return onebot.ForwardNode{
		Sender:  onebot.Sender{Nickname: nickname},
		Content: segs,
	}
}

func forwardSeg(t *testing.T, data onebot.ForwardData) onebot.Segment {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatal(err)
	}
	return onebot.Segment{Type: "forward", Data: raw}
}

// fakeResolver serves canned forward bundles by resource ID.
type fakeResolver struct {
	bundles map[string][]onebot.ForwardNode
	err     error
	calls   []string
}

func (r *fakeResolver) GetForwardMsg(ctx context.Context, id string) ([]onebot.ForwardNode, error) {
	r.calls = append(r.calls, id)
	if r.err != nil {
		return nil, r.err
	}
	return r.bundles[id], nil
}

func mustSerialize(t *testing.T, entries []Entry) string {
	t.Helper()
	s, err := Serialize(entries)
	if err != nil {
		t.Fatalf("Serialize() error: %v", err)
	}
	return s
}

func TestFlatten_TextAndNestedForward(t *testing.T) {
	inner := []onebot.ForwardNode{
		node("Bob", onebot.Text("yo")),
	}
	nodes := []onebot.ForwardNode{
		node("Alice",
			onebot.Text("hi"),
			forwardSeg(t, onebot.ForwardData{ID: "inner", Content: inner}),
		),
	}

	entries := Flatten(context.Background(), nodes, nil, nil)
	got := mustSerialize(t, entries)

	want := `["Alice: hi",["Alice","forwarded",["Bob: yo"]]]`
	if got != want {
		t.Errorf("transcript = %s, want %s", got, want)
	}
}

func TestFlatten_SenderReadOncePerNode(t *testing.T) {
	nodes := []onebot.ForwardNode{
		node("Alice", onebot.Text("first"), onebot.Text("second")),
	}

	entries := Flatten(context.Background(), nodes, nil, nil)
	got := mustSerialize(t, entries)

	want := `["Alice: first","Alice: second"]`
	if got != want {
		t.Errorf("transcript = %s, want %s", got, want)
	}
}

func TestFlatten_SkipsNonTextSegments(t *testing.T) {
	img, _ := json.Marshal(onebot.ImageData{File: "pic.png"})
	face := json.RawMessage(`{"id":"14"}`)

	nodes := []onebot.ForwardNode{
		{
			Sender: onebot.Sender{Nickname: "Alice"},
			Content: onebot.Message{
				{Type: "image", Data: img},
				onebot.Text("visible"),
				{Type: "face", Data: face},
			},
		},
	}

	entries := Flatten(context.Background(), nodes, nil, nil)
	got := mustSerialize(t, entries)

	want := `["Alice: visible"]`
	if got != want {
		t.Errorf("transcript = %s, want %s", got, want)
	}
}

func TestFlatten_PrefersGroupCard(t *testing.T) {
	nodes := []onebot.ForwardNode{
		{
			Sender:  onebot.Sender{Nickname: "realname", Card: "The Boss"},
			Content: onebot.Message{onebot.Text("obey")},
		},
	}

	entries := Flatten(context.Background(), nodes, nil, nil)
	got := mustSerialize(t, entries)

	want := `["The Boss: obey"]`
	if got != want {
		t.Errorf("transcript = %s, want %s", got, want)
	}
}

func TestFlatten_ResolvesNestedByID(t *testing.T) {
	res := &fakeResolver{
		bundles: map[string][]onebot.ForwardNode{
			"res-9": {node("Bob", onebot.Text("fetched"))},
		},
	}

	nodes := []onebot.ForwardNode{
		node("Alice", forwardSeg(t, onebot.ForwardData{ID: "res-9"})),
	}

	entries := Flatten(context.Background(), nodes, res, nil)
	got := mustSerialize(t, entries)

	want := `[["Alice","forwarded",["Bob: fetched"]]]`
	if got != want {
		t.Errorf("transcript = %s, want %s", got, want)
	}
	if len(res.calls) != 1 || res.calls[0] != "res-9" {
		t.Errorf("resolver calls = %v, want [res-9]", res.calls)
	}
}

func TestFlatten_InlineContentSkipsResolver(t *testing.T) {
	res := &fakeResolver{}

	inner := []onebot.ForwardNode{node("Bob", onebot.Text("inline"))}
	nodes := []onebot.ForwardNode{
		node("Alice", forwardSeg(t, onebot.ForwardData{ID: "res-1", Content: inner})),
	}

	Flatten(context.Background(), nodes, res, nil)

	if len(res.calls) != 0 {
		t.Errorf("resolver called %d times for inline content, want 0", len(res.calls))
	}
}

func TestFlatten_ResolverFailureSkipsSegment(t *testing.T) {
	res := &fakeResolver{err: errors.New("bridge unavailable")}

	nodes := []onebot.ForwardNode{
		node("Alice",
			onebot.Text("before"),
			forwardSeg(t, onebot.ForwardData{ID: "gone"}),
			onebot.Text("after"),
		),
	}

	entries := Flatten(context.Background(), nodes, res, nil)
	got := mustSerialize(t, entries)

	want := `["Alice: before","Alice: after"]`
	if got != want {
		t.Errorf("transcript = %s, want %s", got, want)
	}
}

func TestFlatten_FetchBudgetTerminatesCycles(t *testing.T) {
	// Every resolution returns another forward pointing at itself.
	self := &fakeResolver{}
	self.bundles = map[string][]onebot.ForwardNode{
		"loop": {node("Alice", forwardSeg(t, onebot.ForwardData{ID: "loop"}))},
	}

	nodes := []onebot.ForwardNode{
		node("Alice", forwardSeg(t, onebot.ForwardData{ID: "loop"})),
	}

	entries := Flatten(context.Background(), nodes, self, nil)

	if _, err := Serialize(entries); err != nil {
		t.Fatalf("Serialize() error: %v", err)
	}
	if len(self.calls) > maxFetches {
		t.Errorf("resolver called %d times, want at most %d", len(self.calls), maxFetches)
	}
}

func TestFlatten_DeepInlineNestingPreserved(t *testing.T) {
	// Inline nesting has no fetch budget and must survive at any depth.
	const depth = 64

	leaf := []onebot.ForwardNode{node("Z", onebot.Text("bottom"))}
	current := leaf
	for i := 0; i < depth; i++ {
		current = []onebot.ForwardNode{
			node("A", forwardSeg(t, onebot.ForwardData{Content: current})),
		}
	}

	entries := Flatten(context.Background(), current, nil, nil)
	got := mustSerialize(t, entries)

	if !strings.Contains(got, `"Z: bottom"`) {
		t.Errorf("deepest line missing from transcript of depth %d", depth)
	}
	if n := strings.Count(got, `"forwarded"`); n != depth {
		t.Errorf("forwarded groupings = %d, want %d", n, depth)
	}
}

func TestFlatten_EmptyForwardKeepsAttribution(t *testing.T) {
	nodes := []onebot.ForwardNode{
		node("Alice", forwardSeg(t, onebot.ForwardData{ID: "empty", Content: []onebot.ForwardNode{}})),
	}

	// No resolver: the bundle stays empty but the attribution survives.
	entries := Flatten(context.Background(), nodes, nil, nil)
	got := mustSerialize(t, entries)

	want := `[["Alice","forwarded",[]]]`
	if got != want {
		t.Errorf("transcript = %s, want %s", got, want)
	}
}

func TestSerialize_NoHTMLEscaping(t *testing.T) {
	nodes := []onebot.ForwardNode{
		node("Alice", onebot.Text(`x < y && y > "z"`)),
	}

	entries := Flatten(context.Background(), nodes, nil, nil)
	got := mustSerialize(t, entries)

	if strings.Contains(got, `<`) || strings.Contains(got, `&`) {
		t.Errorf("transcript %s contains escaped HTML characters", got)
	}
	if !strings.Contains(got, `x < y && y > \"z\"`) {
		t.Errorf("transcript %s lost the literal text", got)
	}
}

func TestSerialize_Empty(t *testing.T) {
	if got := mustSerialize(t, nil); got != "[]" {
		t.Errorf("Serialize(nil) = %s, want []", got)
	}
	if got := mustSerialize(t, []Entry{}); got != "[]" {
		t.Errorf("Serialize(empty) = %s, want []", got)
	}
}

func TestSerialize_NoTrailingNewline(t *testing.T) {
	got := mustSerialize(t, []Entry{textEntry("A", "b")})
	if strings.HasSuffix(got, "\n") {
		t.Error("serialized transcript should not end with a newline")
	}
}
