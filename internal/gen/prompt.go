package gen

import (
	"fmt"
	"strings"
	"time"

	"github.com/haywire-radio/haywire/internal/config"
)

// Inputs is everything collected for one break before any model runs.
type Inputs struct {
	Weather   *Weather
	Headlines []Headline

	// RecentPhrases are openers from the last few breaks, handed to the
	// model as negative context so consecutive breaks do not echo.
	RecentPhrases []string

	// Now is the station-local time the break is written for.
	Now time.Time
}

// Degraded reports whether at least one input source failed.
func (in Inputs) Degraded() bool {
	return in.Weather == nil || len(in.Headlines) == 0
}

// Empty reports whether no input source produced anything.
func (in Inputs) Empty() bool {
	return in.Weather == nil && len(in.Headlines) == 0
}

// PromptBuilder assembles the system and user prompts for script synthesis.
type PromptBuilder struct {
	station   config.StationConfig
	announcer config.AnnouncerConfig
	content   config.ContentConfig
}

// NewPromptBuilder creates a builder over the station's announcer settings.
func NewPromptBuilder(station config.StationConfig, announcer config.AnnouncerConfig, content config.ContentConfig) *PromptBuilder {
	return &PromptBuilder{station: station, announcer: announcer, content: content}
}

// System renders the announcer persona into a system prompt.
func (b *PromptBuilder) System() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are the live announcer for %q", b.station.Name)
	if b.announcer.Persona != "" {
		fmt.Fprintf(&sb, ": %s", b.announcer.Persona)
	}
	sb.WriteString(".\n")
	if b.station.Tagline != "" {
		fmt.Fprintf(&sb, "Station tagline: %s\n", b.station.Tagline)
	}
	if b.announcer.World != "" {
		fmt.Fprintf(&sb, "Setting: %s\n", b.announcer.World)
	}
	if b.announcer.Humor != "" {
		fmt.Fprintf(&sb, "Humor policy: %s\n", b.announcer.Humor)
	}
	fmt.Fprintf(&sb, "Write a spoken radio break of %d to %d words.\n",
		b.content.MinWords, b.content.MaxWords)
	sb.WriteString("Output plain spoken text only: no stage directions, no markdown, no headings.\n")
	for _, rule := range b.announcer.ToneRules {
		sb.WriteString(rule)
		sb.WriteString("\n")
	}
	if len(b.announcer.BannedPhrases) > 0 {
		fmt.Fprintf(&sb, "Never use these phrases: %s.\n",
			strings.Join(b.announcer.BannedPhrases, "; "))
	}
	return sb.String()
}

// User renders the collected inputs into the user prompt.
func (b *PromptBuilder) User(in Inputs) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "It is %s.\n", in.Now.Format("Monday 15:04"))

	if in.Weather != nil {
		fmt.Fprintf(&sb, "Current weather — %s.\n", in.Weather)
	} else {
		sb.WriteString("No weather report is available; do not invent one.\n")
	}

	if len(in.Headlines) > 0 {
		sb.WriteString("Headlines to work from:\n")
		for _, h := range in.Headlines {
			fmt.Fprintf(&sb, "- %s (%s)\n", h.Title, h.Source)
		}
	} else {
		sb.WriteString("No headlines are available; carry the break on weather and station color.\n")
	}

	if b.announcer.ChaosBudget > 0 {
		fmt.Fprintf(&sb, "You may stray from the material for color, at most %.0f%% of the break.\n",
			b.announcer.ChaosBudget*100)
	}

	if len(in.RecentPhrases) > 0 {
		sb.WriteString("Recent breaks opened with the following lines; do not reuse or paraphrase them:\n")
		for _, p := range in.RecentPhrases {
			fmt.Fprintf(&sb, "- %s\n", p)
		}
	}
	return sb.String()
}

// StrictRetry appends a correction to the user prompt after a script came
// back outside the accepted word range.
func (b *PromptBuilder) StrictRetry(user string, words int) string {
	return fmt.Sprintf("%s\nYour previous attempt was %d words. The break MUST be between %d and %d words. Count carefully.\n",
		user, words, b.content.MinWords, b.content.MaxWords)
}

// Fallback builds a templated script used when every script provider failed.
// It is deliberately plain: correct information beats dead air.
func (b *PromptBuilder) Fallback(in Inputs) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You're listening to %s.", b.station.Name)
	if b.station.Tagline != "" {
		fmt.Fprintf(&sb, " %s.", b.station.Tagline)
	}
	fmt.Fprintf(&sb, " It's %s.", in.Now.Format("Monday, 3:04 PM"))
	if in.Weather != nil {
		fmt.Fprintf(&sb, " Right now in %s: %s, %.0f degrees, wind at %.0f kilometers per hour.",
			in.Weather.Place, in.Weather.Description, in.Weather.TempC, in.Weather.WindKmh)
	}
	for i, h := range in.Headlines {
		if i >= 3 {
			break
		}
		fmt.Fprintf(&sb, " In the news: %s.", strings.TrimRight(h.Title, "."))
	}
	fmt.Fprintf(&sb, " Stay with us — more music coming right up on %s.", b.station.Name)
	return sb.String()
}

// WordCount counts whitespace-separated words.
func WordCount(s string) int {
	return len(strings.Fields(s))
}

// OpeningPhrases extracts up to max leading sentences of the script, used as
// negative context for the next break.
func OpeningPhrases(script string, max int) []string {
	var out []string
	rest := strings.TrimSpace(script)
	for len(out) < max && rest != "" {
		idx := strings.IndexAny(rest, ".!?")
		if idx < 0 {
			out = append(out, rest)
			break
		}
		sentence := strings.TrimSpace(rest[:idx+1])
		rest = strings.TrimSpace(rest[idx+1:])
		if WordCount(sentence) >= 4 {
			out = append(out, sentence)
		}
	}
	return out
}
