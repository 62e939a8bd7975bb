package textsplitters

// RecursiveConfig layers multiple strategies top-down: paragraphs, then
// sentences, then a fixed-size fallback for anything still oversized.
type RecursiveConfig struct {
    Paragraphs BoundaryConfig
    Sentences  BoundaryConfig
    Fallback   FixedConfig
}

type recursiveSplitter struct{ cfg RecursiveConfig }

func newRecursiveSplitter(cfg RecursiveConfig) (Splitter, error) { return &recursiveSplitter{cfg: cfg}, nil }

func (r *recursiveSplitter) Split(text string) []string {
    var out []string
    // stage 1: paragraphs
    p, _ := newParagraphSplitter(r.cfg.Paragraphs)
    pChunks := p.Split(text)
    if len(pChunks) == 0 {
        pChunks = []string{text}
    }
    for _, pc := range pChunks {
        // stage 2: sentences
        s, _ := newSentenceSplitter(r.cfg.Sentences)
        sChunks := s.Split(pc)
        if len(sChunks) == 0 {
            sChunks = []string{pc}
        }
        for _, sc := range sChunks {
            // final: ensure max via fixed if needed
            if r.cfg.Fallback.Size > 0 {
                fx, _ := newFixedSplitter(r.cfg.Fallback)
                out = append(out, fx.Split(sc)...)
            } else {
                out = append(out, sc)
            }
        }
    }
    return out
}
