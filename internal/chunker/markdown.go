package chunker

import (
	"regexp"
	"strings"

	"ragserver/internal/textsplitters"
)

// headingRe mirrors the heading pattern the teacher's markdown splitter
// uses (internal/textsplitters/markdown.go) but is reimplemented here so
// each resulting chunk can carry its ancestor heading as metadata (§4.3:
// "chunks inherit the nearest ancestor heading"), which the teacher's
// black-box Splitter interface doesn't expose.
var headingRe = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+?)\s*$`)

// splitMarkdown splits markdown text at heading boundaries, then further
// splits each section's body to honor chunk_size. Every chunk derived from
// a section's body carries that section's heading text in the parallel
// headings slice; the heading line itself is not emitted as its own chunk.
func (c *Chunker) splitMarkdown(text string, opts Options) (texts []string, headings []string) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	type section struct {
		heading string
		body    string
	}
	idxs := headingRe.FindAllStringSubmatchIndex(text, -1)
	var sections []section
	if len(idxs) == 0 {
		sections = []section{{heading: "", body: text}}
	} else {
		if idxs[0][0] > 0 {
			if lead := strings.TrimSpace(text[:idxs[0][0]]); lead != "" {
				sections = append(sections, section{heading: "", body: lead})
			}
		}
		for i, m := range idxs {
			heading := strings.TrimSpace(text[m[4]:m[5]])
			end := len(text)
			if i+1 < len(idxs) {
				end = idxs[i+1][0]
			}
			body := strings.TrimSpace(text[m[1]:end])
			sections = append(sections, section{heading: heading, body: body})
		}
	}

	boundary := textsplitters.BoundaryConfig{
		Unit: textsplitters.UnitTokens, Size: opts.ChunkSize, Overlap: opts.ChunkOverlap, Tokenizer: sharedTokenizer,
	}
	hybrid, _ := textsplitters.NewFromConfig(textsplitters.Config{Kind: textsplitters.KindHybrid, Boundary: boundary})

	for _, s := range sections {
		if s.body == "" {
			continue
		}
		parts := hybrid.Split(s.body)
		if len(parts) == 0 {
			parts = []string{s.body}
		}
		for _, p := range parts {
			texts = append(texts, p)
			headings = append(headings, s.heading)
		}
	}
	return texts, headings
}
