// Package intent defines quick-intent classification for the message
// pipeline: deterministic requests resolved without full generation.
package intent

import "strings"

// Kind identifies a quick intent.
type Kind string

const (
	KindNone      Kind = ""
	KindFactGet   Kind = "fact_get"
	KindFactSet   Kind = "fact_set"
	KindTime      Kind = "time"
	KindWeather   Kind = "weather"
	KindWiki      Kind = "wiki"
	KindWebSearch Kind = "web_search"
)

// Intent is a classified user request.
type Intent struct {
	Kind  Kind
	Query string
}

// rule maps trigger keywords to an intent kind. First match wins, so
// more specific rules come first.
type rule struct {
	kind     Kind
	triggers []string
}

var rules = []rule{
	{KindFactSet, []string{"remember that", "remember my", "note that"}},
	{KindFactGet, []string{"what did i say about", "what do you remember", "recall"}},
	{KindTime, []string{"what time", "current time", "what's the date", "today's date"}},
	{KindWeather, []string{"weather", "forecast", "temperature outside"}},
	{KindWiki, []string{"wikipedia", "wiki "}},
	{KindWebSearch, []string{"search the web", "search for", "look up"}},
}

// Match classifies text using the keyword rule table. Returns an
// Intent with KindNone when nothing matched.
func Match(text string) Intent {
	lower := strings.ToLower(strings.TrimSpace(text))
	for _, r := range rules {
		for _, trigger := range r.triggers {
			if strings.Contains(lower, trigger) {
				return Intent{Kind: r.kind, Query: extractQuery(lower, trigger)}
			}
		}
	}
	return Intent{Kind: KindNone}
}

// extractQuery returns the text following the trigger phrase, falling
// back to the whole input when the trigger terminates the sentence.
func extractQuery(text, trigger string) string {
	idx := strings.Index(text, trigger)
	rest := strings.TrimSpace(text[idx+len(trigger):])
	rest = strings.Trim(rest, "?!. ")
	if rest == "" {
		return text
	}
	return rest
}

// Valid reports whether k is a recognized quick-intent kind. Used to
// validate LLM classifier output before trusting it.
func (k Kind) Valid() bool {
	switch k {
	case KindFactGet, KindFactSet, KindTime, KindWeather, KindWiki, KindWebSearch:
		return true
	}
	return false
}
