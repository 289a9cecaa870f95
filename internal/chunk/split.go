package chunk

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var sentenceEnd = regexp.MustCompile(`([.!?]+)\s+`)

// splitParagraphs splits on blank lines and trims each block.
func splitParagraphs(text string) []string {
	parts := strings.Split(text, "\n\n")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// splitSentences splits text into sentences, keeping the terminating
// punctuation attached. Input with no sentence boundaries comes back whole.
func splitSentences(text string) []string {
	var out []string
	last := 0
	for _, loc := range sentenceEnd.FindAllStringSubmatchIndex(text, -1) {
		// loc[3] is the end of the punctuation group.
		out = append(out, strings.TrimSpace(text[last:loc[3]]))
		last = loc[1]
	}
	if rest := strings.TrimSpace(text[last:]); rest != "" {
		out = append(out, rest)
	}
	return out
}

// hardSplit cuts text into pieces of at most maxChars bytes, never inside a
// UTF-8 sequence.
func hardSplit(text string, maxChars int) []string {
	if maxChars <= 0 || len(text) <= maxChars {
		return []string{text}
	}
	var out []string
	for len(text) > maxChars {
		cut := maxChars
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if cut == 0 {
			cut = maxChars
		}
		out = append(out, strings.TrimSpace(text[:cut]))
		text = text[cut:]
	}
	if t := strings.TrimSpace(text); t != "" {
		out = append(out, t)
	}
	return out
}

// splitOversized breaks a block that exceeds maxChars at sentence
// boundaries, and resorts to a byte-boundary cut only for sentences that
// are themselves too long.
func splitOversized(text string, maxChars int) []string {
	if len(text) <= maxChars {
		return []string{text}
	}
	var out []string
	current := ""
	for _, s := range splitSentences(text) {
		if len(s) > maxChars {
			if current != "" {
				out = append(out, current)
				current = ""
			}
			out = append(out, hardSplit(s, maxChars)...)
			continue
		}
		candidate := s
		if current != "" {
			candidate = current + " " + s
		}
		if len(candidate) <= maxChars {
			current = candidate
		} else {
			out = append(out, current)
			current = s
		}
	}
	if current != "" {
		out = append(out, current)
	}
	return out
}

// overlapTail returns up to overlap bytes from the end of text, preferring
// whole sentences. Falls back to a byte tail when the last sentence alone
// exceeds the overlap budget.
func overlapTail(text string, overlap int) string {
	if overlap <= 0 || text == "" {
		return ""
	}
	sentences := splitSentences(text)
	var tail []string
	size := 0
	for i := len(sentences) - 1; i >= 0; i-- {
		s := sentences[i]
		if size+len(s) > overlap {
			break
		}
		tail = append([]string{s}, tail...)
		size += len(s) + 1
	}
	if len(tail) > 0 {
		return strings.Join(tail, " ")
	}
	if len(text) <= overlap {
		return text
	}
	cut := len(text) - overlap
	for cut < len(text) && !utf8.RuneStart(text[cut]) {
		cut++
	}
	return text[cut:]
}

// packParagraphs greedy-packs blocks into chunks of at most maxChars,
// joining with blank lines and carrying an overlap tail between chunks.
// Oversized blocks are split at sentence boundaries first.
func packParagraphs(blocks []string, maxChars, overlap int) []string {
	var chunks []string
	current := ""

	flush := func(next string) {
		if current == "" {
			current = next
			return
		}
		chunks = append(chunks, current)
		if tail := overlapTail(current, overlap); tail != "" {
			current = tail + "\n\n" + next
		} else {
			current = next
		}
	}

	for _, block := range blocks {
		if len(block) > maxChars {
			for _, piece := range splitOversized(block, maxChars) {
				if current != "" && len(current)+len(piece)+2 <= maxChars {
					current = current + "\n\n" + piece
				} else {
					flush(piece)
				}
			}
			continue
		}
		if current != "" && len(current)+len(block)+2 <= maxChars {
			current = current + "\n\n" + block
		} else {
			flush(block)
		}
	}
	if strings.TrimSpace(current) != "" {
		chunks = append(chunks, current)
	}
	return chunks
}
