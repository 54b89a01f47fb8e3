// Package noise cleans speech-to-text output before it reaches an assistant.
//
// Filtering strips known transcription artifacts, classifies what is left as
// noise when it is too short to be speech or is exactly one of the phrases
// Whisper produces on silence ("you", "thank you"), and intercepts spoken
// commands. Those phrases only count as noise when they are the whole
// transcript; inside a sentence they are kept.
package noise

import (
	"regexp"
	"strings"
)

// Verdict is the outcome of filtering one transcript.
type Verdict int

const (
	// Forward means the cleaned text should be sent to the assistant.
	Forward Verdict = iota
	// NoiseOnly means nothing recognizable remained after stripping.
	NoiseOnly
	// Command means the text matched a local control phrase.
	Command
)

func (v Verdict) String() string {
	switch v {
	case Forward:
		return "forward"
	case NoiseOnly:
		return "noise_only"
	case Command:
		return "command"
	default:
		return "unknown"
	}
}

// Action is a local control action triggered by a spoken command.
type Action string

// ActionStopListening turns automatic listening off for the session.
const ActionStopListening Action = "stop_listening"

// MinLength is the shortest cleaned transcript treated as speech.
const MinLength = 2

// Result is the filtered form of a raw transcript.
type Result struct {
	Text    string
	Verdict Verdict
	Action  Action
}

var (
	artifactPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\[[^\]]*\]`),
		regexp.MustCompile(`\([^)]*\)`),
		regexp.MustCompile(`[♪♫♬♩]+`),
		regexp.MustCompile(`(?is)\b(?:subtitles|captions?|captioning|transcribed|translated)\s+(?:by|provided by)\b.*$`),
		regexp.MustCompile(`(?i)\bthanks?\s+(?:you\s+)?for\s+watching\b[.!]?`),
		regexp.MustCompile(`(?i)\b(?:please\s+)?(?:like\s+and\s+)?subscribe(?:\s+to\s+(?:my|our|the)\s+channel)?\b[.!]?`),
	}
	whitespace = regexp.MustCompile(`\s+`)

	// Whole-transcript phrases Whisper emits for silence or background audio.
	silencePhrases = map[string]bool{
		"you":       true,
		"thank you": true,
		"thanks":    true,
		"bye":       true,
		"uh":        true,
		"um":        true,
		"hmm":       true,
	}

	commands = map[string]Action{
		"stop listening":  ActionStopListening,
		"stop recording":  ActionStopListening,
		"pause listening": ActionStopListening,
		"go to sleep":     ActionStopListening,
	}
)

// Strip removes transcription artifacts and collapses whitespace.
// Strip(Strip(s)) == Strip(s).
func Strip(raw string) string {
	text := raw
	// Removing one artifact can expose another (e.g. "[a (b] c)"), so repeat to a fixpoint.
	for {
		before := text
		for _, p := range artifactPatterns {
			text = p.ReplaceAllString(text, " ")
		}
		if text == before {
			break
		}
	}
	return strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
}

// Filter applies strip, then the noise check, then the command check.
func Filter(raw string) Result {
	text := Strip(raw)
	if len([]rune(text)) < MinLength || silencePhrases[normalize(text)] {
		return Result{Text: text, Verdict: NoiseOnly}
	}
	if action, ok := MatchCommand(text); ok {
		return Result{Text: text, Verdict: Command, Action: action}
	}
	return Result{Text: text, Verdict: Forward}
}

// MatchCommand reports whether cleaned text is exactly a control phrase.
func MatchCommand(text string) (Action, bool) {
	action, ok := commands[normalize(text)]
	return action, ok
}

// normalize lowercases text, drops trailing punctuation and collapses spaces.
func normalize(text string) string {
	key := strings.ToLower(strings.TrimSpace(text))
	key = strings.TrimRight(key, ".!?, ")
	return whitespace.ReplaceAllString(key, " ")
}
