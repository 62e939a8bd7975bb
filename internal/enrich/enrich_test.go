package enrich

import (
	"context"
	"errors"
	"testing"

	"ragserver/internal/ragdomain"
)

type fakeChat struct {
	response string
	err      error
}

func (f *fakeChat) Model() string { return "fake" }
func (f *fakeChat) Complete(ctx context.Context, systemPrompt, userPrompt string, temperature float64, maxTokens int) (string, error) {
	return f.response, f.err
}

func TestEnrichParsesCleanJSON(t *testing.T) {
	e := New(&fakeChat{response: `{"summary":"s","keywords":["a","b"],"topic":"t","complexity":"simple","entities":["x"],"sentiment":"neutral"}`}, nil)
	md := e.Enrich(context.Background(), ragdomain.Chunk{Text: "hello"})
	if md.Summary != "s" || md.Topic != "t" || md.Complexity != ragdomain.ComplexitySimple {
		t.Fatalf("unexpected metadata: %+v", md)
	}
}

func TestEnrichToleratesFencedJSON(t *testing.T) {
	e := New(&fakeChat{response: "Sure, here it is:\n```json\n{\"summary\":\"s\",\"complexity\":\"complex\"}\n```"}, nil)
	md := e.Enrich(context.Background(), ragdomain.Chunk{Text: "hello"})
	if md.Summary != "s" || md.Complexity != ragdomain.ComplexityComplex {
		t.Fatalf("unexpected metadata: %+v", md)
	}
}

func TestEnrichReturnsEmptyOnProviderError(t *testing.T) {
	e := New(&fakeChat{err: errors.New("boom")}, nil)
	md := e.Enrich(context.Background(), ragdomain.Chunk{Text: "hello"})
	if md != (ragdomain.Metadata{}) {
		t.Fatalf("expected empty metadata, got %+v", md)
	}
}

func TestEnrichReturnsEmptyOnUnparsableResponse(t *testing.T) {
	e := New(&fakeChat{response: "not json at all"}, nil)
	md := e.Enrich(context.Background(), ragdomain.Chunk{Text: "hello"})
	if md != (ragdomain.Metadata{}) {
		t.Fatalf("expected empty metadata, got %+v", md)
	}
}
