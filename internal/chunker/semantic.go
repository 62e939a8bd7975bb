package chunker

import (
	"context"
	"errors"
	"math"
	"regexp"
	"strings"
)

var semanticSentenceRe = regexp.MustCompile(`(?s)([^.!?]+[.!?]+|[^.!?]+$)`)

func splitSentences(text string) []string {
	parts := semanticSentenceRe.FindAllString(strings.TrimSpace(text), -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitSemantic groups sentences into blocks at points where successive-
// sentence embedding similarity drops below an adaptive threshold (§4.3),
// then recursive-splits each block to honor chunk_size. This is the one
// chunking mode that uses the network: one batched EmbedDocuments call
// covers every sentence in the document, consuming a single rate-limit
// slot regardless of sentence count.
func (c *Chunker) splitSemantic(ctx context.Context, text string, opts Options) ([]string, error) {
	if c.embeddings == nil {
		return nil, errors.New("chunker: semantic strategy requires an embeddings adapter")
	}
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil, nil
	}
	if len(sentences) == 1 {
		return c.splitRecursive(sentences[0], opts), nil
	}

	vecs, err := c.embeddings.EmbedDocuments(ctx, sentences)
	if err != nil {
		return nil, err
	}

	sims := make([]float64, len(sentences)-1)
	for i := 0; i < len(sims); i++ {
		sims[i] = cosineSimilarity(vecs[i], vecs[i+1])
	}
	threshold := adaptiveThreshold(sims)

	var blocks []string
	var cur strings.Builder
	cur.WriteString(sentences[0])
	for i := 1; i < len(sentences); i++ {
		if sims[i-1] < threshold {
			blocks = append(blocks, cur.String())
			cur.Reset()
		} else {
			cur.WriteByte(' ')
		}
		cur.WriteString(sentences[i])
	}
	if cur.Len() > 0 {
		blocks = append(blocks, cur.String())
	}

	var out []string
	for _, b := range blocks {
		out = append(out, c.splitRecursive(b, opts)...)
	}
	return out, nil
}

// adaptiveThreshold sets the breakpoint at one standard deviation below the
// mean similarity, so the boundary adapts to how similar the document's
// sentences are overall rather than using a fixed cutoff.
func adaptiveThreshold(sims []float64) float64 {
	if len(sims) == 0 {
		return 0
	}
	var sum float64
	for _, s := range sims {
		sum += s
	}
	mean := sum / float64(len(sims))
	var variance float64
	for _, s := range sims {
		d := s - mean
		variance += d * d
	}
	variance /= float64(len(sims))
	return mean - math.Sqrt(variance)
}

func cosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
