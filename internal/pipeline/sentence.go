package pipeline

import (
	"strings"
	"unicode"
)

// isTerminal reports whether r ends a sentence for streaming purposes.
func isTerminal(r byte) bool {
	switch r {
	case '.', '!', '?', ':', ';':
		return true
	}
	return false
}

// sentenceBuffer accumulates streamed tokens and releases complete sentences.
// A sentence ends at a terminal character followed by whitespace. A terminal
// at the very end of the buffer is held until the next token shows what
// follows it, so "3." + "50" stays one number; [sentenceBuffer.rest] releases
// it when the stream ends.
type sentenceBuffer struct {
	pending strings.Builder
}

func (b *sentenceBuffer) write(tok string) {
	b.pending.WriteString(tok)
}

// contains reports whether the unreleased text contains s.
func (b *sentenceBuffer) contains(s string) bool {
	return s != "" && strings.Contains(b.pending.String(), s)
}

// take returns every complete sentence in generation order and keeps the
// incomplete remainder buffered.
func (b *sentenceBuffer) take() []string {
	text := b.pending.String()
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		if !isTerminal(text[i]) {
			continue
		}
		if i+1 == len(text) || !unicode.IsSpace(rune(text[i+1])) {
			continue
		}
		if s := strings.TrimSpace(text[start : i+1]); s != "" {
			out = append(out, s)
		}
		start = i + 1
	}
	if start > 0 {
		rest := strings.TrimLeft(text[start:], " \t\r\n")
		b.pending.Reset()
		b.pending.WriteString(rest)
	}
	return out
}

// rest drains and returns the unterminated remainder.
func (b *sentenceBuffer) rest() string {
	s := strings.TrimSpace(b.pending.String())
	b.pending.Reset()
	return s
}
