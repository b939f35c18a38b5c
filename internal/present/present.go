// Package present derives display data from timeline entries. Everything
// here is a pure function of its arguments.
package present

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/ashureev/aura-client/internal/domain"
)

// MaxTags caps the tags extracted from one text.
const MaxTags = 3

type topic struct {
	tag      string
	keywords []string
}

// vocabulary is matched in order; earlier topics win when more than MaxTags match.
var vocabulary = []topic{
	{tag: "Math", keywords: []string{"math", "maths", "algebra", "calculus", "derivative", "derivatives", "equation", "equations", "geometry", "fraction", "fractions", "integral", "integrals"}},
	{tag: "Coding", keywords: []string{"code", "coding", "python", "javascript", "golang", "program", "programming", "function", "functions", "loop", "loops", "recursion", "bug", "algorithm", "algorithms"}},
	{tag: "Science", keywords: []string{"science", "physics", "chemistry", "biology", "atom", "atoms", "cell", "cells", "energy", "molecule", "molecules"}},
	{tag: "Writing", keywords: []string{"essay", "essays", "writing", "grammar", "paragraph", "story", "poem"}},
	{tag: "History", keywords: []string{"history", "war", "empire", "revolution", "ancient", "century"}},
	{tag: "Languages", keywords: []string{"spanish", "french", "german", "vocabulary", "translate", "translation", "language", "languages"}},
	{tag: "Study Skills", keywords: []string{"study", "studying", "exam", "exams", "focus", "motivation", "habit", "habits", "revision"}},
}

var keywordIndex = func() map[string]int {
	idx := make(map[string]int)
	for i, t := range vocabulary {
		for _, k := range t.keywords {
			idx[k] = i
		}
	}
	return idx
}()

// ExtractTags returns up to MaxTags topic tags for text, case-insensitively,
// in vocabulary order.
func ExtractTags(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	hit := make([]bool, len(vocabulary))
	for _, w := range words {
		if i, ok := keywordIndex[w]; ok {
			hit[i] = true
		}
	}

	var tags []string
	for i, ok := range hit {
		if !ok {
			continue
		}
		tags = append(tags, vocabulary[i].tag)
		if len(tags) == MaxTags {
			break
		}
	}
	return tags
}

// RelativeTime formats ts against now from the whole number of elapsed days.
// Timestamps in the future count as today.
func RelativeTime(ts, now time.Time) string {
	days := int(math.Floor(now.Sub(ts).Hours() / 24))
	switch {
	case days <= 0:
		return "Today"
	case days == 1:
		return "Yesterday"
	default:
		return fmt.Sprintf("%d days ago", days)
	}
}

// Summary holds timeline counts.
type Summary struct {
	Total    int                   `json:"total"`
	ByOrigin map[domain.Origin]int `json:"by_origin"`
	Failed   int                   `json:"failed"`
	OK       int                   `json:"ok"`
	Pending  int                   `json:"pending"`
}

// SummaryCounts counts entries by origin and by outcome.
func SummaryCounts(entries []domain.Entry) Summary {
	s := Summary{
		Total: len(entries),
		ByOrigin: map[domain.Origin]int{
			domain.OriginPersisted: 0,
			domain.OriginLive:      0,
		},
	}
	for _, e := range entries {
		s.ByOrigin[e.Origin]++
		switch {
		case e.Pending:
			s.Pending++
		case e.Failed:
			s.Failed++
		default:
			s.OK++
		}
	}
	return s
}

// TagCount is a tag and the number of entries carrying it.
type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// TopicTags aggregates tags over entries, most frequent first. Live entries
// are skipped unless includeLive is set.
func TopicTags(entries []domain.Entry, includeLive bool) []TagCount {
	counts := make(map[string]int)
	for _, e := range entries {
		if e.IsLive() && !includeLive {
			continue
		}
		for _, tag := range ExtractTags(e.Prompt + " " + e.Response) {
			counts[tag]++
		}
	}

	out := make([]TagCount, 0, len(counts))
	for _, t := range vocabulary {
		if n := counts[t.tag]; n > 0 {
			out = append(out, TagCount{Tag: t.tag, Count: n})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Count > out[j].Count
	})
	return out
}

const (
	titleLength   = 80
	previewLength = 160
)

// Card is one display row of the conversation history.
type Card struct {
	ID         string        `json:"id"`
	Title      string        `json:"title"`
	Preview    string        `json:"preview"`
	When       string        `json:"when"`
	Tags       []string      `json:"tags"`
	Agent      string        `json:"agent,omitempty"`
	Confidence int           `json:"confidence_percent,omitempty"`
	Origin     domain.Origin `json:"origin"`
	Pending    bool          `json:"pending"`
	Failed     bool          `json:"failed"`
}

// NewCard builds the display row for e.
func NewCard(e domain.Entry, now time.Time) Card {
	c := Card{
		ID:      e.ID,
		Title:   truncate(e.Prompt, titleLength),
		Preview: truncate(e.Response, previewLength),
		When:    RelativeTime(e.Timestamp, now),
		Origin:  e.Origin,
		Pending: e.Pending,
		Failed:  e.Failed,
	}
	if !e.IsLive() {
		c.Tags = ExtractTags(e.Prompt + " " + e.Response)
	}
	if e.Routing != nil {
		c.Agent = e.Routing.Agent
		c.Confidence = int(math.Round(e.Routing.ClampedConfidence() * 100))
	}
	return c
}

// Cards builds display rows, newest first.
func Cards(entries []domain.Entry, now time.Time) []Card {
	out := make([]Card, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, NewCard(entries[i], now))
	}
	return out
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:max-1])) + "…"
}
