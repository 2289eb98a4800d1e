package agent

import (
	"regexp"
	"strings"
)

// InputGuard scans inbound user messages for prompt-injection patterns before
// they reach the LLM. It does not block on its own — the loop decides what to
// do with a match based on the configured action (log/warn/block).
type InputGuard struct {
	patterns []namedPattern
}

type namedPattern struct {
	name string
	re   *regexp.Regexp
}

// NewInputGuard builds a guard with the default pattern set: common
// jailbreak/override phrasing, attempts to exfiltrate the system prompt, and
// role-confusion markers that try to smuggle a fake system/assistant turn
// inside user content.
func NewInputGuard() *InputGuard {
	return &InputGuard{
		patterns: []namedPattern{
			{"ignore_instructions", regexp.MustCompile(`(?i)ignore (all |any )?(previous|prior|above|earlier) (instructions?|prompts?|rules?)`)},
			{"disregard_instructions", regexp.MustCompile(`(?i)disregard (all |any )?(previous|prior|above|earlier|system) (instructions?|prompts?|rules?)`)},
			{"reveal_system_prompt", regexp.MustCompile(`(?i)(reveal|print|repeat|show|output) (your |the )?(system prompt|instructions|initial prompt)`)},
			{"new_persona", regexp.MustCompile(`(?i)you are now [a-z0-9 _-]{2,40}(,| who| and)`)},
			{"dan_jailbreak", regexp.MustCompile(`(?i)\bDAN\b.{0,20}(mode|jailbreak)`)},
			{"fake_system_turn", regexp.MustCompile(`(?is)\[(system|assistant)\s*(message|turn)?\]`)},
			{"pretend_no_restrictions", regexp.MustCompile(`(?i)pretend (you have|there are) no (restrictions|rules|filters|guardrails)`)},
		},
	}
}

// Scan returns the names of every pattern that matched text, or nil if none did.
func (g *InputGuard) Scan(text string) []string {
	if g == nil || text == "" {
		return nil
	}
	var matches []string
	for _, p := range g.patterns {
		if p.re.MatchString(text) {
			matches = append(matches, p.name)
		}
	}
	return matches
}

// joinMatches is a small helper so callers don't need strings.Join inline.
func joinMatches(matches []string) string {
	return strings.Join(matches, ",")
}
