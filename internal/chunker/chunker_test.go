package chunker

import (
	"context"
	"strings"
	"testing"

	"ragserver/internal/ragdomain"
)

func TestChunkRecursiveRespectsChunkSize(t *testing.T) {
	c := New(nil)
	text := strings.Repeat("word ", 2000)
	doc := ragdomain.Document{Content: text, Source: "a.txt"}

	chunks, err := c.Chunk(context.Background(), doc, 0, Options{Strategy: StrategyRecursive, ChunkSize: 50, ChunkOverlap: 5})
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if len(chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}
	for i, ch := range chunks {
		if ch.TokenCount > 50 {
			t.Fatalf("chunk %d token count %d exceeds chunk_size 50", i, ch.TokenCount)
		}
		if ch.Index != i {
			t.Fatalf("chunk %d has Index %d, want %d", i, ch.Index, i)
		}
		if ch.Source != "a.txt" {
			t.Fatalf("chunk %d Source = %q, want a.txt", i, ch.Source)
		}
	}
}

func TestChunkMarkdownInheritsHeading(t *testing.T) {
	c := New(nil)
	doc := ragdomain.Document{Content: "# Title\n\nIntro text.\n\n## Section A\n\nBody of section A goes here.\n", Source: "doc.md"}

	chunks, err := c.Chunk(context.Background(), doc, 0, Options{Strategy: StrategyMarkdown, ChunkSize: 200, ChunkOverlap: 0})
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if len(chunks) == 0 {
		t.Fatal("expected chunks")
	}
	foundSectionA := false
	for _, ch := range chunks {
		if ch.Attributes["heading"] == "Section A" {
			foundSectionA = true
			if !strings.Contains(ch.Text, "Body of section A") {
				t.Fatalf("chunk under heading Section A has unexpected text: %q", ch.Text)
			}
		}
	}
	if !foundSectionA {
		t.Fatal("expected a chunk carrying the 'Section A' heading")
	}
}

func TestChunkEmptyDocument(t *testing.T) {
	c := New(nil)
	chunks, err := c.Chunk(context.Background(), ragdomain.Document{Content: "", Source: "empty.txt"}, 0, Options{})
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if len(chunks) != 0 {
		t.Fatalf("expected no chunks for empty document, got %d", len(chunks))
	}
}

func TestChunkUnknownStrategy(t *testing.T) {
	c := New(nil)
	_, err := c.Chunk(context.Background(), ragdomain.Document{Content: "x"}, 0, Options{Strategy: "bogus"})
	if err == nil {
		t.Fatal("expected an error for an unknown strategy")
	}
}
