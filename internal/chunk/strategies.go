package chunk

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	pageMarker   = regexp.MustCompile(`(?m)^\[PAGE\s+\d+\]\s*$`)
	mdHeader     = regexp.MustCompile(`(?m)^#{1,6}\s+\S`)
	underlineHdr = regexp.MustCompile(`(?m)^\S[^\n]*\n[=\-]{3,}\s*$`)
	speakerTag   = regexp.MustCompile(`^([A-Za-z][\w .\-]{0,24}|Q|A):\s`)
	reviewHeader = regexp.MustCompile(`(?mi)^(?:Review by|Recensie van)\s+[^\n:]+:\s*$`)
	ratingLine   = regexp.MustCompile(`(?mi)\b(?:rating|beoordeling)\s*:?\s*[1-5](?:/5)?|[★⭐]{1,5}|\b[1-5]/5\b`)
	articleMark  = regexp.MustCompile(`(?mi)^(?:artikel|article|art\.?)\s+\d+|^§\s*\d+`)
	currencyAmt  = regexp.MustCompile(`[€$£]\s*\d+(?:[.,]\d{2})?|\d+[.,]\d{2}\s*(?:EUR|USD|euro)\b`)
	bannerLine   = regexp.MustCompile(`(?m)^[A-ZÀ-Þ][A-ZÀ-Þ \-]{3,}$`)
	hashHeader   = regexp.MustCompile(`^#{1,3}\s+(.+)$`)
)

var adminBanners = []string{
	"BESLUIT", "VOORWAARDEN", "OVERWEGINGEN", "BIJLAGE",
	"DECISION", "CONDITIONS", "CONSIDERATIONS", "APPENDIX",
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// isTableLine recognizes pipe- or tab-delimited rows with at least two
// cells.
func isTableLine(line string) bool {
	t := strings.TrimSpace(line)
	if t == "" {
		return false
	}
	if strings.Count(t, "|") >= 2 {
		return true
	}
	return strings.Count(t, "\t") >= 1 && len(strings.Split(t, "\t")) >= 2
}

func countConsecutiveTableLines(text string) int {
	best, run := 0, 0
	for _, line := range strings.Split(text, "\n") {
		if isTableLine(line) {
			run++
			if run > best {
				best = run
			}
		} else {
			run = 0
		}
	}
	return best
}

// --- page_plus_table_aware ---

type pageTableStrategy struct{}

func (s *pageTableStrategy) Name() string { return "page_plus_table_aware" }
func (s *pageTableStrategy) Description() string {
	return "Page-marker aware packing that keeps tables intact (PDF extractions)"
}
func (s *pageTableStrategy) DefaultConfig() Config { return Config{MaxChars: 1500, Overlap: 200} }

func (s *pageTableStrategy) Score(sample string, meta Meta) float64 {
	score := 0.0
	markers := len(pageMarker.FindAllString(sample, -1))
	switch {
	case markers >= 2:
		score += 0.7
	case markers == 1:
		score += 0.5
	}
	if meta.MimeType == "application/pdf" {
		score += 0.3
	}
	return clampScore(score)
}

func (s *pageTableStrategy) Chunk(text string, cfg Config) []string {
	var chunks []string
	for _, page := range splitKeepingMarkers(text, pageMarker) {
		blocks := tableAwareBlocks(page)
		chunks = append(chunks, packParagraphs(blocks, cfg.MaxChars, cfg.Overlap)...)
	}
	return chunks
}

// splitKeepingMarkers splits text at marker lines; each piece starts with
// its marker so page anchors survive into the chunks.
func splitKeepingMarkers(text string, marker *regexp.Regexp) []string {
	locs := marker.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return []string{text}
	}
	var parts []string
	if head := strings.TrimSpace(text[:locs[0][0]]); head != "" {
		parts = append(parts, head)
	}
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		if p := strings.TrimSpace(text[loc[0]:end]); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// tableAwareBlocks splits a page into paragraphs, keeping any run of
// table-shaped lines together as one atomic block.
func tableAwareBlocks(text string) []string {
	var blocks []string
	for _, para := range splitParagraphs(text) {
		lines := strings.Split(para, "\n")
		var narrative, table []string
		flushNarrative := func() {
			if len(narrative) > 0 {
				blocks = append(blocks, strings.Join(narrative, "\n"))
				narrative = nil
			}
		}
		flushTable := func() {
			if len(table) > 0 {
				blocks = append(blocks, strings.Join(table, "\n"))
				table = nil
			}
		}
		for _, line := range lines {
			if isTableLine(line) {
				flushNarrative()
				table = append(table, line)
			} else {
				flushTable()
				narrative = append(narrative, line)
			}
		}
		flushNarrative()
		flushTable()
	}
	return blocks
}

// --- semantic_sections ---

type semanticSectionsStrategy struct{}

func (s *semanticSectionsStrategy) Name() string { return "semantic_sections" }
func (s *semanticSectionsStrategy) Description() string {
	return "Splits at markdown or underline headers, carrying the header into its section"
}
func (s *semanticSectionsStrategy) DefaultConfig() Config { return Config{MaxChars: 1200, Overlap: 150} }

func (s *semanticSectionsStrategy) Score(sample string, meta Meta) float64 {
	headers := len(mdHeader.FindAllString(sample, -1)) +
		len(underlineHdr.FindAllString(sample, -1))
	switch {
	case headers >= 3:
		return 0.8
	case headers == 2:
		return 0.65
	case headers == 1:
		return 0.35
	}
	return 0
}

func (s *semanticSectionsStrategy) Chunk(text string, cfg Config) []string {
	var chunks []string
	for _, section := range splitKeepingMarkers(text, mdHeader) {
		blocks := splitParagraphs(section)
		packed := packParagraphs(blocks, cfg.MaxChars, cfg.Overlap)
		// Carry the section header into continuation chunks.
		if len(packed) > 1 {
			header := firstLine(packed[0])
			if mdHeader.MatchString(header) {
				for i := 1; i < len(packed); i++ {
					packed[i] = header + "\n\n" + packed[i]
				}
			}
		}
		chunks = append(chunks, packed...)
	}
	return chunks
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// --- conversation_turns ---

type conversationStrategy struct{}

func (s *conversationStrategy) Name() string { return "conversation_turns" }
func (s *conversationStrategy) Description() string {
	return "One speaker turn per chunk for transcripts and Q&A logs"
}
func (s *conversationStrategy) DefaultConfig() Config { return Config{MaxChars: 600, Overlap: 0} }

// isSpeakerLine matches `Name: text` turn openers but not review or rating
// markers, which belong to the reviews strategy.
func isSpeakerLine(line string) bool {
	t := strings.TrimSpace(line)
	if !speakerTag.MatchString(t) {
		return false
	}
	lower := strings.ToLower(t)
	for _, skip := range []string{"rating:", "beoordeling:", "review by", "recensie van"} {
		if strings.HasPrefix(lower, skip) {
			return false
		}
	}
	return true
}

func (s *conversationStrategy) Score(sample string, meta Meta) float64 {
	turns := 0
	for _, line := range strings.Split(sample, "\n") {
		if isSpeakerLine(line) {
			turns++
		}
	}
	switch {
	case turns >= 5:
		return 0.8
	case turns >= 3:
		return 0.45
	case turns >= 1:
		return 0.2
	}
	return 0
}

func (s *conversationStrategy) Chunk(text string, cfg Config) []string {
	var turns []string
	var current []string
	for _, line := range strings.Split(text, "\n") {
		if isSpeakerLine(line) && len(current) > 0 {
			turns = append(turns, strings.TrimSpace(strings.Join(current, "\n")))
			current = nil
		}
		current = append(current, line)
	}
	if len(current) > 0 {
		turns = append(turns, strings.TrimSpace(strings.Join(current, "\n")))
	}

	// Merge adjacent short turns up to the budget, split oversized ones.
	var chunks []string
	buf := ""
	for _, turn := range turns {
		if turn == "" {
			continue
		}
		if len(turn) > cfg.MaxChars {
			if buf != "" {
				chunks = append(chunks, buf)
				buf = ""
			}
			chunks = append(chunks, splitOversized(turn, cfg.MaxChars)...)
			continue
		}
		if buf != "" && len(buf)+len(turn)+1 <= cfg.MaxChars {
			buf = buf + "\n" + turn
		} else {
			if buf != "" {
				chunks = append(chunks, buf)
			}
			buf = turn
		}
	}
	if buf != "" {
		chunks = append(chunks, buf)
	}
	return chunks
}

// --- table_aware ---

type tableAwareStrategy struct{}

func (s *tableAwareStrategy) Name() string { return "table_aware" }
func (s *tableAwareStrategy) Description() string {
	return "Emits each table as one atomic [TABLE] chunk, packing narrative around it"
}
func (s *tableAwareStrategy) DefaultConfig() Config { return Config{MaxChars: 1000, Overlap: 100} }

func (s *tableAwareStrategy) Score(sample string, meta Meta) float64 {
	run := countConsecutiveTableLines(sample)
	switch {
	case run >= 5:
		return 0.75
	case run >= 3:
		return 0.6
	}
	return 0
}

func (s *tableAwareStrategy) Chunk(text string, cfg Config) []string {
	var chunks []string
	var narrative []string
	flushNarrative := func() {
		if len(narrative) > 0 {
			chunks = append(chunks, packParagraphs(narrative, cfg.MaxChars, cfg.Overlap)...)
			narrative = nil
		}
	}

	var table []string
	flushTable := func() {
		if len(table) >= 3 {
			flushNarrative()
			chunks = append(chunks, "[TABLE]\n"+strings.Join(table, "\n"))
		} else if len(table) > 0 {
			// Too short to count as a table; treat as narrative.
			narrative = append(narrative, strings.Join(table, "\n"))
		}
		table = nil
	}

	for _, para := range splitParagraphs(text) {
		for _, line := range strings.Split(para, "\n") {
			if isTableLine(line) {
				table = append(table, line)
			} else {
				flushTable()
				if t := strings.TrimSpace(line); t != "" {
					narrative = append(narrative, t)
				}
			}
		}
		flushTable()
	}
	flushNarrative()
	return chunks
}

// --- reviews ---

type reviewsStrategy struct{}

func (s *reviewsStrategy) Name() string { return "reviews" }
func (s *reviewsStrategy) Description() string {
	return "One review per chunk, prefixed [REVIEW] (Google Reviews, customer feedback)"
}
func (s *reviewsStrategy) DefaultConfig() Config { return Config{MaxChars: 600, Overlap: 0} }

func (s *reviewsStrategy) Score(sample string, meta Meta) float64 {
	score := 0.1
	if strings.HasPrefix(strings.ToLower(meta.Filename), "reviews_") ||
		strings.Contains(strings.ToLower(meta.Filename), "review") {
		score += 0.25
	}
	if meta.Source == "google_reviews" || meta.DocumentType == "review" {
		score += 0.3
	}
	if headers := len(reviewHeader.FindAllString(sample, -1)); headers >= 2 {
		score += 0.3
	} else if headers == 1 {
		score += 0.15
	}
	if ratings := len(ratingLine.FindAllString(sample, -1)); ratings >= 2 {
		score += 0.2
	} else if ratings == 1 {
		score += 0.1
	}
	return clampScore(score)
}

func (s *reviewsStrategy) Chunk(text string, cfg Config) []string {
	reviews := splitKeepingMarkers(text, reviewHeader)
	if len(reviews) <= 1 {
		// No per-review headers; try blank-line separated reviews.
		reviews = splitParagraphs(text)
	}

	var chunks []string
	for _, review := range reviews {
		review = strings.TrimSpace(review)
		if review == "" {
			continue
		}
		if len(review) > cfg.MaxChars {
			parts := splitOversized(review, cfg.MaxChars)
			for i, part := range parts {
				chunks = append(chunks, fmt.Sprintf("[REVIEW]\n[PART: %d/%d]\n%s", i+1, len(parts), part))
			}
			continue
		}
		chunks = append(chunks, "[REVIEW]\n"+review)
	}
	return chunks
}

// --- menus ---

type menusStrategy struct{}

func (s *menusStrategy) Name() string { return "menus" }
func (s *menusStrategy) Description() string {
	return "One dish per chunk, prefixed [MENU ITEM], with name/description/price/category"
}
func (s *menusStrategy) DefaultConfig() Config { return Config{MaxChars: 400, Overlap: 0} }

func (s *menusStrategy) Score(sample string, meta Meta) float64 {
	score := 0.1
	if strings.HasPrefix(strings.ToLower(meta.Filename), "menu_") ||
		strings.Contains(strings.ToLower(meta.Filename), "menu") {
		score += 0.3
	}
	if meta.DocumentType == "menu" {
		score += 0.3
	}
	prices := len(currencyAmt.FindAllString(sample, -1))
	switch {
	case prices >= 3:
		score += 0.3
	case prices >= 1:
		score += 0.15
	}
	// Menus read as many short lines.
	lines := strings.Split(strings.TrimSpace(sample), "\n")
	short := 0
	for _, l := range lines {
		if t := strings.TrimSpace(l); t != "" && len(t) < 60 {
			short++
		}
	}
	if len(lines) >= 4 && short*2 > len(lines) {
		score += 0.1
	}
	return clampScore(score)
}

func (s *menusStrategy) Chunk(text string, cfg Config) []string {
	var chunks []string
	category := ""
	for _, block := range splitParagraphs(text) {
		lines := strings.Split(block, "\n")
		head := strings.TrimSpace(lines[0])

		// Section banners set the category for following items.
		if name, ok := sectionHeader(head); ok && len(lines) == 1 {
			category = name
			continue
		}

		name := head
		if n, ok := sectionHeader(head); ok {
			category = n
			if len(lines) > 1 {
				name = strings.TrimSpace(lines[1])
				lines = lines[1:]
			} else {
				continue
			}
		}

		price := ""
		var desc []string
		for _, line := range lines[1:] {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if m := currencyAmt.FindString(line); m != "" && price == "" {
				price = strings.TrimSpace(m)
				if rest := strings.TrimSpace(strings.Replace(line, m, "", 1)); rest != "" {
					desc = append(desc, rest)
				}
			} else {
				desc = append(desc, line)
			}
		}
		if m := currencyAmt.FindString(name); m != "" {
			price = strings.TrimSpace(m)
			name = strings.TrimSpace(strings.Replace(name, m, "", 1))
		}
		if name == "" {
			continue
		}

		parts := []string{"[MENU ITEM]", "", "Name: " + name}
		if category != "" {
			parts = append(parts, "Category: "+category)
		}
		if len(desc) > 0 {
			parts = append(parts, "Description: "+strings.Join(desc, " "))
		}
		if price != "" {
			parts = append(parts, "Price: "+price)
		}
		chunks = append(chunks, strings.Join(parts, "\n"))
	}
	if len(chunks) == 0 && strings.TrimSpace(text) != "" {
		return packParagraphs(splitParagraphs(text), cfg.MaxChars, cfg.Overlap)
	}
	return chunks
}

// sectionHeader recognizes `=== Name ===`, `## Name` and ALL-CAPS banner
// lines as menu section headers.
func sectionHeader(line string) (string, bool) {
	t := strings.TrimSpace(line)
	if strings.HasPrefix(t, "===") && strings.HasSuffix(t, "===") {
		return strings.TrimSpace(strings.Trim(t, "= ")), true
	}
	if m := hashHeader.FindStringSubmatch(t); m != nil {
		return strings.TrimSpace(m[1]), true
	}
	if bannerLine.MatchString(t) && len(t) < 40 {
		return t, true
	}
	return "", false
}

// --- legal ---

type legalStrategy struct{}

func (s *legalStrategy) Name() string { return "legal" }
func (s *legalStrategy) Description() string {
	return "One article per chunk for legal texts (Artikel N, § markers), no overlap"
}
func (s *legalStrategy) DefaultConfig() Config { return Config{MaxChars: 2000, Overlap: 0} }

func (s *legalStrategy) Score(sample string, meta Meta) float64 {
	marks := len(articleMark.FindAllString(sample, -1))
	switch {
	case marks >= 3:
		return 0.85
	case marks == 2:
		return 0.7
	case marks == 1:
		return 0.4
	}
	return 0
}

func (s *legalStrategy) Chunk(text string, cfg Config) []string {
	var chunks []string
	for _, article := range splitKeepingMarkers(text, articleMark) {
		article = strings.TrimSpace(article)
		if article == "" {
			continue
		}
		chunks = append(chunks, splitOversized(article, cfg.MaxChars)...)
	}
	return chunks
}

// --- administrative ---

type administrativeStrategy struct{}

func (s *administrativeStrategy) Name() string { return "administrative" }
func (s *administrativeStrategy) Description() string {
	return "Each section banner (BESLUIT, VOORWAARDEN, ...) starts its own chunk"
}
func (s *administrativeStrategy) DefaultConfig() Config { return Config{MaxChars: 1200, Overlap: 100} }

func isAdminBanner(line string) bool {
	t := strings.TrimSpace(line)
	if !bannerLine.MatchString(t) {
		return false
	}
	for _, b := range adminBanners {
		if strings.Contains(t, b) {
			return true
		}
	}
	return false
}

func (s *administrativeStrategy) Score(sample string, meta Meta) float64 {
	banners := 0
	for _, line := range strings.Split(sample, "\n") {
		if isAdminBanner(line) {
			banners++
		}
	}
	switch {
	case banners >= 2:
		return 0.75
	case banners == 1:
		return 0.45
	}
	return 0
}

func (s *administrativeStrategy) Chunk(text string, cfg Config) []string {
	var sections [][]string
	current := []string{}
	for _, line := range strings.Split(text, "\n") {
		if isAdminBanner(line) && len(current) > 0 {
			sections = append(sections, current)
			current = nil
		}
		current = append(current, line)
	}
	if len(current) > 0 {
		sections = append(sections, current)
	}

	var chunks []string
	for _, section := range sections {
		body := strings.TrimSpace(strings.Join(section, "\n"))
		if body == "" {
			continue
		}
		// Sections stay whole even when short; only oversized ones split.
		if len(body) <= cfg.MaxChars {
			chunks = append(chunks, body)
			continue
		}
		chunks = append(chunks, packParagraphs(splitParagraphs(body), cfg.MaxChars, cfg.Overlap)...)
	}
	return chunks
}

// --- default ---

type defaultStrategy struct{}

func (s *defaultStrategy) Name() string { return "default" }
func (s *defaultStrategy) Description() string {
	return "Standard paragraph-based chunking with optional overlap"
}
func (s *defaultStrategy) DefaultConfig() Config { return Config{MaxChars: 800, Overlap: 0} }

// Score is the floor every specialized strategy has to beat.
func (s *defaultStrategy) Score(sample string, meta Meta) float64 { return 0.3 }

func (s *defaultStrategy) Chunk(text string, cfg Config) []string {
	return packParagraphs(splitParagraphs(text), cfg.MaxChars, cfg.Overlap)
}
