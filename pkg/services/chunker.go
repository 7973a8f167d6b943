package services

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/recete-ai/recete-engine/pkg/models"
)

const (
	DefaultMaxChunkSize = 1000
	DefaultOverlapSize  = 200

	// languageMarkerWindow is how far into the text a [LANG:xx] marker is honoured.
	languageMarkerWindow = 200
)

// ChunkOptions configures ChunkText. Sizes are in characters (runes).
type ChunkOptions struct {
	MaxChunkSize int
	OverlapSize  int
}

func (o ChunkOptions) withDefaults() ChunkOptions {
	if o.MaxChunkSize <= 0 {
		o.MaxChunkSize = DefaultMaxChunkSize
	}
	if o.OverlapSize < 0 {
		o.OverlapSize = 0
	}
	if o.OverlapSize >= o.MaxChunkSize {
		o.OverlapSize = o.MaxChunkSize / 5
	}
	return o
}

// Chunk is one piece of chunked text.
type Chunk struct {
	Text         string
	Index        int
	SectionType  models.SectionType
	LanguageCode string
}

var (
	sectionMarkerPattern  = regexp.MustCompile(`\[SECTION:\s*([^\]]*)\]`)
	languageMarkerPattern = regexp.MustCompile(`\[LANG:\s*([A-Za-z]{2,3})\]`)
	factsMarkerPattern    = regexp.MustCompile(`\[/?PRODUCT_FACTS\]`)

	horizontalSpace = regexp.MustCompile(`[ \t\f\v]+`)
	lineEdgeSpace   = regexp.MustCompile(` *\n *`)
	excessNewlines  = regexp.MustCompile(`\n{3,}`)
)

// sectionKeywords maps section types to name fragments, checked in order.
var sectionKeywords = []struct {
	section  models.SectionType
	keywords []string
}{
	{models.SectionIngredients, []string{"ingredient", "içerik", "icerik", "bileşen", "bilesen", "composition"}},
	{models.SectionUsage, []string{"usage", "how to use", "kullanım", "kullanim", "uygulama", "directions", "nasıl kullanılır"}},
	{models.SectionWarnings, []string{"warning", "uyarı", "uyari", "caution", "dikkat", "precaution", "contraindication"}},
	{models.SectionSpecs, []string{"spec", "özellik", "ozellik", "teknik", "dimension", "hacim", "volume", "size"}},
}

// InferSectionType maps a section name or heading to a section type.
func InferSectionType(text string) models.SectionType {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return models.SectionGeneral
	}
	if st := models.SectionType(lower); st.IsValid() {
		return st
	}
	for _, entry := range sectionKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.section
			}
		}
	}
	return models.SectionGeneral
}

// DetectLanguageMarker returns the lowercase code of a [LANG:xx] marker found
// within the first 200 characters, or "".
func DetectLanguageMarker(text string) string {
	window := text
	if utf8.RuneCountInString(text) > languageMarkerWindow {
		window = string([]rune(text)[:languageMarkerWindow])
	}
	m := languageMarkerPattern.FindStringSubmatch(window)
	if m == nil {
		return ""
	}
	return strings.ToLower(m[1])
}

// StripMarkers removes [LANG:xx] and [PRODUCT_FACTS] markers. Section markers
// are left for ChunkText to split on.
func StripMarkers(text string) string {
	text = languageMarkerPattern.ReplaceAllString(text, "")
	return factsMarkerPattern.ReplaceAllString(text, "")
}

// EstimateTokens approximates token usage as ceil(characters/3).
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 2) / 3
}

// NormalizeWhitespace unifies line endings and collapses blank runs.
func NormalizeWhitespace(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = horizontalSpace.ReplaceAllString(text, " ")
	text = lineEdgeSpace.ReplaceAllString(text, "\n")
	text = excessNewlines.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

type section struct {
	sectionType models.SectionType
	body        string
	marked      bool
}

// ChunkText splits text into overlapping chunks of at most MaxChunkSize
// characters. Section markers split the text first so no chunk spans two
// sections. Only a single sentence longer than MaxChunkSize is hard-sliced,
// and no overlap is carried across hard slices. Blank input yields no chunks.
func ChunkText(text string, opts ChunkOptions) []Chunk {
	opts = opts.withDefaults()

	lang := DetectLanguageMarker(text)
	text = NormalizeWhitespace(StripMarkers(text))
	if text == "" {
		return []Chunk{}
	}

	chunks := make([]Chunk, 0)
	for _, s := range splitSections(text) {
		for _, piece := range chunkSection(s.body, opts) {
			st := s.sectionType
			if !s.marked {
				st = inferFromHeading(piece)
			}
			chunks = append(chunks, Chunk{
				Text:         piece,
				Index:        len(chunks),
				SectionType:  st,
				LanguageCode: lang,
			})
		}
	}
	return chunks
}

func splitSections(text string) []section {
	locs := sectionMarkerPattern.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return []section{{sectionType: models.SectionGeneral, body: text}}
	}

	var sections []section
	if lead := strings.TrimSpace(text[:locs[0][0]]); lead != "" {
		sections = append(sections, section{sectionType: models.SectionGeneral, body: lead})
	}
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		body := strings.TrimSpace(text[loc[1]:end])
		if body == "" {
			continue
		}
		sections = append(sections, section{
			sectionType: InferSectionType(text[loc[2]:loc[3]]),
			body:        body,
			marked:      true,
		})
	}
	return sections
}

// inferFromHeading classifies an unmarked chunk by a short first line.
func inferFromHeading(chunk string) models.SectionType {
	first, _, _ := strings.Cut(chunk, "\n")
	if utf8.RuneCountInString(first) > 80 {
		return models.SectionGeneral
	}
	return InferSectionType(first)
}

type segment struct {
	text string
	// newParagraph joins the segment to the previous one with a blank line.
	newParagraph bool
}

func chunkSection(body string, opts ChunkOptions) []string {
	limit := opts.MaxChunkSize
	var out []string
	cur := ""

	flush := func() {
		if strings.TrimSpace(cur) != "" {
			out = append(out, cur)
		}
		cur = ""
	}

	for _, seg := range segmentsOf(body, limit) {
		segLen := utf8.RuneCountInString(seg.text)
		if segLen > limit {
			flush()
			out = append(out, hardSlice(seg.text, limit)...)
			continue
		}
		if cur == "" {
			cur = seg.text
			continue
		}

		sep := " "
		if seg.newParagraph {
			sep = "\n\n"
		}
		if utf8.RuneCountInString(cur)+len(sep)+segLen <= limit {
			cur += sep + seg.text
			continue
		}

		prev := cur
		flush()
		overlap := overlapTail(prev, opts.OverlapSize)
		if overlap != "" && utf8.RuneCountInString(overlap)+1+segLen <= limit {
			cur = overlap + " " + seg.text
		} else {
			cur = seg.text
		}
	}
	flush()
	return out
}

// segmentsOf splits body into paragraphs, and paragraphs longer than limit
// into sentences.
func segmentsOf(body string, limit int) []segment {
	var segs []segment
	for _, para := range strings.Split(body, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if utf8.RuneCountInString(para) <= limit {
			segs = append(segs, segment{text: para, newParagraph: true})
			continue
		}
		for i, sentence := range splitSentences(para) {
			segs = append(segs, segment{text: sentence, newParagraph: i == 0})
		}
	}
	return segs
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?' || r == '…'
}

// splitSentences cuts after terminal punctuation followed by whitespace.
func splitSentences(text string) []string {
	runes := []rune(text)
	var sentences []string
	start := 0
	for i := 0; i < len(runes); i++ {
		if !isSentenceEnd(runes[i]) {
			continue
		}
		j := i
		for j+1 < len(runes) && isSentenceEnd(runes[j+1]) {
			j++
		}
		if j+1 < len(runes) && unicode.IsSpace(runes[j+1]) {
			if s := strings.TrimSpace(string(runes[start : j+1])); s != "" {
				sentences = append(sentences, s)
			}
			start = j + 1
		}
		i = j
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

func hardSlice(text string, limit int) []string {
	runes := []rune(text)
	var pieces []string
	for start := 0; start < len(runes); start += limit {
		end := min(start+limit, len(runes))
		if piece := strings.TrimSpace(string(runes[start:end])); piece != "" {
			pieces = append(pieces, piece)
		}
	}
	return pieces
}

// overlapTail returns the last n characters of text, moved forward to the
// next word boundary when the cut lands inside a word.
func overlapTail(text string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= n {
		return strings.TrimSpace(text)
	}
	start := len(runes) - n
	if !unicode.IsSpace(runes[start-1]) {
		for start < len(runes) && !unicode.IsSpace(runes[start]) {
			start++
		}
	}
	return strings.TrimSpace(string(runes[start:]))
}
