package summarizer

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"kbrag/internal/domain"
)

var (
	tokenRe    = regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*`)
	sentenceRe = regexp.MustCompile(`(?m)(?U)([^.!?]+[.!?])`)
)

// FrequencySummarizer ranks sentences by word frequency (stopwords filtered).
type FrequencySummarizer struct {
	stopwords map[string]struct{}
}

// NewFrequencySummarizer creates a frequency-based sentence ranker summarizer.
func NewFrequencySummarizer() *FrequencySummarizer {
	return &FrequencySummarizer{stopwords: defaultStopwords()}
}

// SummarizeDocuments summarizes the text behind a knowledge base's chunks.
// Overlap is the knowledge base's chunk overlap, used to undo duplication
// between consecutive chunks of the same source.
func (s *FrequencySummarizer) SummarizeDocuments(docs []domain.Document, overlap, maxSentences int) string {
	return s.Summarize(Reassemble(docs, overlap), maxSentences)
}

// Reassemble joins chunks back into text. A chunk that directly follows
// the previous chunk of the same source loses its first overlap characters;
// chunks of different sources are separated by a blank line.
func Reassemble(docs []domain.Document, overlap int) string {
	var b strings.Builder
	for i, d := range docs {
		text := d.Content
		if i > 0 {
			prev := docs[i-1].Metadata
			if prev.Source == d.Metadata.Source && prev.FileID == d.Metadata.FileID && prev.ChunkIndex+1 == d.Metadata.ChunkIndex {
				if r := []rune(text); overlap > 0 && len(r) > overlap {
					text = string(r[overlap:])
				} else if overlap > 0 {
					text = ""
				}
			} else {
				b.WriteString("\n\n")
			}
		}
		b.WriteString(text)
	}
	return b.String()
}

// Summarize returns up to maxSentences of the highest scoring sentences in
// their original order.
func (s *FrequencySummarizer) Summarize(text string, maxSentences int) string {
	if maxSentences <= 0 {
		maxSentences = 5
	}
	sentences := sentenceRe.FindAllString(text, -1)
	if len(sentences) == 0 {
		return strings.TrimSpace(text)
	}
	freq := map[string]float64{}
	for _, sent := range sentences {
		for _, tok := range tokens(sent) {
			if _, ok := s.stopwords[tok]; ok {
				continue
			}
			freq[tok]++
		}
	}
	maxF := 0.0
	for _, v := range freq {
		maxF = math.Max(maxF, v)
	}
	if maxF > 0 {
		for k, v := range freq {
			freq[k] = v / maxF
		}
	}

	type scored struct {
		idx   int
		score float64
	}
	scores := make([]scored, len(sentences))
	for i, sent := range sentences {
		toks := tokens(sent)
		sum := 0.0
		for _, tok := range toks {
			sum += freq[tok]
		}
		// long sentences should not win on length alone
		if len(toks) > 0 {
			sum /= math.Sqrt(float64(len(toks)))
		}
		scores[i] = scored{i, sum}
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })
	if maxSentences > len(scores) {
		maxSentences = len(scores)
	}
	selected := make([]int, maxSentences)
	for i := range selected {
		selected[i] = scores[i].idx
	}
	sort.Ints(selected)
	out := make([]string, 0, len(selected))
	for _, idx := range selected {
		out = append(out, strings.TrimSpace(sentences[idx]))
	}
	return strings.Join(out, " ")
}

func tokens(text string) []string {
	return tokenRe.FindAllString(strings.ToLower(text), -1)
}

func defaultStopwords() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for", "to", "of", "in", "on", "at", "by", "with", "as", "is", "are", "was", "were", "be", "been", "being", "it", "this", "that", "these", "those", "from", "up", "down", "over", "under", "again", "further", "than", "so", "such", "into", "about", "between", "through", "during", "before", "after", "above", "below", "out", "off", "own", "same", "too", "very", "can", "will", "just", "don", "should", "now",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
