package window_test

import (
	"strings"
	"testing"

	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/window"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/types"
)

func final(text string) types.TranscriptChunk {
	return types.TranscriptChunk{Text: text, IsFinal: true}
}

func interim(text string) types.TranscriptChunk {
	return types.TranscriptChunk{Text: text}
}

func TestBuffer_EvictsBeyondMaxSegments(t *testing.T) {
	t.Parallel()

	b := window.New(window.Config{MaxSegments: 2})
	b.Add(final("one"))
	b.Add(final("two"))
	b.Add(final("three"))

	if b.Len() != 2 {
		t.Fatalf("Len = %d, want 2", b.Len())
	}
	if got := b.CombinedText(); got != "two three" {
		t.Errorf("CombinedText = %q, want %q", got, "two three")
	}
}

func TestBuffer_InterimSupersedesInterim(t *testing.T) {
	t.Parallel()

	b := window.New(window.Config{})
	b.Add(final("turn to"))
	b.Add(interim("Rom"))
	b.Add(interim("Romans eight"))
	b.Add(final("Romans 8:28"))

	if got := b.CombinedText(); got != "turn to Romans 8:28" {
		t.Errorf("CombinedText = %q", got)
	}
	if b.Len() != 2 {
		t.Errorf("Len = %d, want 2", b.Len())
	}
}

func TestBuffer_MaxCharsKeepsTail(t *testing.T) {
	t.Parallel()

	b := window.New(window.Config{MaxChars: 20})
	b.Add(final(strings.Repeat("a", 30)))
	b.Add(final("the end"))

	got := b.CombinedText()
	if len(got) != 20 {
		t.Fatalf("len(CombinedText) = %d, want 20", len(got))
	}
	if !strings.HasSuffix(got, "the end") {
		t.Errorf("CombinedText = %q, want the most recent tail", got)
	}
}

func TestBuffer_IgnoresEmptyChunks(t *testing.T) {
	t.Parallel()

	b := window.New(window.Config{})
	b.Add(final("   "))
	if b.Len() != 0 {
		t.Errorf("Len = %d after empty chunk", b.Len())
	}
}

func TestBuffer_NewText(t *testing.T) {
	t.Parallel()

	b := window.New(window.Config{})
	b.Add(final("Let's turn in our Bibles to"))

	snap := b.NewText()
	if !snap.HasNewContent || snap.New != snap.Full {
		t.Fatalf("first window should be entirely new: %+v", snap)
	}
	b.MarkProcessed()

	b.Add(final("the book of Romans"))
	snap = b.NewText()
	if snap.New != "the book of Romans" {
		t.Errorf("New = %q, want %q", snap.New, "the book of Romans")
	}
	if !snap.HasNewContent {
		t.Error("HasNewContent = false for an 18 char addition")
	}
	if snap.Full != "Let's turn in our Bibles to the book of Romans" {
		t.Errorf("Full = %q", snap.Full)
	}
}

func TestBuffer_NewTextSuppressesTinyRevisions(t *testing.T) {
	t.Parallel()

	b := window.New(window.Config{})
	b.Add(interim("and the Lord said unto Moses"))
	b.MarkProcessed()

	b.Add(interim("and the Lord said unto Moses go"))
	snap := b.NewText()
	if snap.HasNewContent {
		t.Errorf("HasNewContent = true for %q", snap.New)
	}
	if snap.New != "go" {
		t.Errorf("New = %q, want %q", snap.New, "go")
	}
}

func TestBuffer_NewTextAfterTruncation(t *testing.T) {
	t.Parallel()

	b := window.New(window.Config{MaxSegments: 2, OverlapChars: 30})
	b.Add(final("first sentence about nothing"))
	b.Add(final("second sentence about grace"))
	b.MarkProcessed()

	b.Add(final("third sentence about Romans 8:28"))
	snap := b.NewText()
	if snap.New != "third sentence about Romans 8:28" {
		t.Errorf("New = %q", snap.New)
	}
}

func TestBuffer_Reset(t *testing.T) {
	t.Parallel()

	b := window.New(window.Config{})
	b.Add(final("John 3:16"))
	b.MarkProcessed()
	b.Reset()

	if b.Len() != 0 || b.CombinedText() != "" {
		t.Fatal("Reset left content behind")
	}
	b.Add(final("John 3:16 again"))
	if snap := b.NewText(); snap.New != "John 3:16 again" {
		t.Errorf("anchor survived Reset: New = %q", snap.New)
	}
}
