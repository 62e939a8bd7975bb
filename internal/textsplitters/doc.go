// Package textsplitters provides strategies to split text for RAG ingestion.
//
// Extensibility
//
//	The package exposes a simple Splitter interface and a factory to construct
//	concrete implementations by type, allowing new methods to be added without
//	affecting callers.
//
// Implemented strategies
//   - Fixed-length (chars/tokens)
//     Diagram: |====100====||====100====||====100====|
//     Pros: Simple, fast, predictable.
//     Cons: Cuts mid-sentence; semantic drift; brittle across formats.
//     Sources: Inspired by LangChain text splitters.
//   - Sentence/Paragraph/Hybrid boundary grouping
//     Diagram: [Sentence][Sentence] | [Paragraph]
//     Pros: Natural boundaries; variable size with target.
//   - Recursive hierarchical splitting
//     Diagram: paragraphs -> sentences -> fixed-size fallback
//
// Markdown-heading and semantic segmentation live in internal/chunker
// instead of here, since they need ancestor headings and an embeddings
// adapter that the Splitter interface can't carry.
package textsplitters
