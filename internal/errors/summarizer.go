package errors

import (
	"regexp"
	"strconv"
	"strings"
)

// Pattern represents a regex pattern and its human-readable summary.
type Pattern struct {
	Regex   *regexp.Regexp
	Summary string
}

// Summarizer extracts human-readable summaries from environment error output.
type Summarizer struct {
	patterns []Pattern
}

// NewSummarizer creates a summarizer for the given benchmark.
// Browser patterns apply to every benchmark; some benchmarks add their own.
func NewSummarizer(benchmark string) *Summarizer {
	patterns := append([]Pattern(nil), browserPatterns...)

	switch benchmark {
	case "miniwob":
		patterns = append(patterns, miniwobPatterns...)
	case "webarena", "visualwebarena":
		patterns = append(patterns, webarenaPatterns...)
	case "workarena":
		patterns = append(patterns, workarenaPatterns...)
	}

	return &Summarizer{patterns: patterns}
}

// Summarize extracts error summaries from output.
// Returns a slice of human-readable error messages.
func (s *Summarizer) Summarize(output string) []string {
	if strings.TrimSpace(output) == "" {
		return nil
	}

	var summaries []string
	seen := make(map[string]bool)

	lines := strings.Split(output, "\n")
	for _, line := range lines {
		for _, p := range s.patterns {
			if matches := p.Regex.FindStringSubmatch(line); matches != nil {
				summary := p.Summary
				for i, match := range matches[1:] {
					placeholder := "$" + strconv.Itoa(i+1)
					summary = strings.ReplaceAll(summary, placeholder, match)
				}

				if !seen[summary] {
					seen[summary] = true
					summaries = append(summaries, summary)
				}
			}
		}
	}

	if len(summaries) == 0 {
		return s.fallbackSummary(output)
	}

	return summaries
}

// fallbackSummary returns the first few lines of error output when no patterns match.
func (s *Summarizer) fallbackSummary(output string) []string {
	lines := strings.Split(strings.TrimSpace(output), "\n")

	var result []string
	for i, line := range lines {
		if i >= 5 {
			break
		}
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "Traceback") && !strings.HasPrefix(line, "File \"") {
			result = append(result, line)
		}
	}

	return result
}

// Browser automation patterns shared by all benchmarks.
var browserPatterns = []Pattern{
	{regexp.MustCompile(`Could not find element with bid "?'?(\w+)`), "Element $1 not found"},
	{regexp.MustCompile(`Timeout (\d+)ms exceeded`), "Browser timed out after $1ms"},
	{regexp.MustCompile(`[Ee]lement is not visible`), "Element is not visible"},
	{regexp.MustCompile(`[Ee]lement is not (?:enabled|editable)`), "Element is disabled"},
	{regexp.MustCompile(`[Ee]lement is outside of the viewport`), "Element is outside the viewport"},
	{regexp.MustCompile(`intercepts pointer events`), "Another element intercepts the click"},
	{regexp.MustCompile(`net::(ERR_[A-Z_]+) at (\S+)`), "Navigation failed ($1): $2"},
	{regexp.MustCompile(`Target (?:page, context or browser|closed)`), "Browser was closed"},
	{regexp.MustCompile(`Executable doesn't exist at (\S+)`), "Browser not installed: $1"},
	{regexp.MustCompile(`Invalid action type:? '?(\w+)`), "Invalid action type: $1"},
	{regexp.MustCompile(`(?:Value|Key)Error: (.+)`), "Bad action argument: $1"},
}

// MiniWoB++ patterns.
var miniwobPatterns = []Pattern{
	{regexp.MustCompile(`MINIWOB_URL`), "MINIWOB_URL is not set or unreachable"},
	{regexp.MustCompile(`Episode (?:already )?(?:done|ended)`), "Episode already ended"},
}

// WebArena and VisualWebArena patterns.
var webarenaPatterns = []Pattern{
	{regexp.MustCompile(`(WA_[A-Z_]+)`), "WebArena variable $1 is not set"},
	{regexp.MustCompile(`[Ll]ogin (?:failed|required)`), "Site login failed"},
}

// WorkArena patterns.
var workarenaPatterns = []Pattern{
	{regexp.MustCompile(`SNOW_INSTANCE_[A-Z]+`), "ServiceNow instance is not configured"},
	{regexp.MustCompile(`iframe "?gsft_main"? (?:not found|detached)`), "ServiceNow main frame unavailable"},
}
