package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Redaction replaces every detected secret.
const Redaction = "[REDACTED]"

// Options configures a Scrubber.
type Options struct {
	Enabled   bool
	Gitleaks  bool
	Allowlist []string
	Rules     []Rule
}

// Result describes one scrub.
type Result struct {
	Text   string
	ByRule map[string]int
}

// Count is the total number of redactions.
func (r Result) Count() int {
	n := 0
	for _, c := range r.ByRule {
		n += c
	}
	return n
}

type compiledRule struct {
	id       string
	pattern  *regexp.Regexp
	keywords []string
}

// Scrubber redacts secrets. A nil or disabled Scrubber returns text unchanged.
type Scrubber struct {
	rules    []compiledRule
	allow    []*regexp.Regexp
	gitleaks *gitleaksPass
}

// New compiles opts. Rules defaults to DefaultRules.
func New(opts Options) (*Scrubber, error) {
	if !opts.Enabled {
		return nil, nil
	}
	rules := opts.Rules
	if rules == nil {
		rules = DefaultRules()
	}

	s := &Scrubber{}
	for _, r := range rules {
		if r.ID == "" || r.Pattern == "" {
			return nil, fmt.Errorf("secrets: rule requires id and pattern")
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("secrets: rule %s: %w", r.ID, err)
		}
		kws := make([]string, len(r.Keywords))
		for i, kw := range r.Keywords {
			kws[i] = strings.ToLower(kw)
		}
		s.rules = append(s.rules, compiledRule{id: r.ID, pattern: re, keywords: kws})
	}

	allow, err := compileAllowlist(opts.Allowlist)
	if err != nil {
		return nil, err
	}
	s.allow = allow

	if opts.Gitleaks {
		g, err := newGitleaksPass(allow)
		if err != nil {
			return nil, fmt.Errorf("secrets: gitleaks detector: %w", err)
		}
		s.gitleaks = g
	}
	return s, nil
}

// Scrub returns text with secrets replaced by Redaction.
func (s *Scrubber) Scrub(text string) string {
	return s.ScrubDetailed(text).Text
}

// ScrubDetailed is Scrub plus per-rule redaction counts.
func (s *Scrubber) ScrubDetailed(text string) Result {
	res := Result{Text: text, ByRule: map[string]int{}}
	if s == nil || text == "" {
		return res
	}

	type span struct{ start, end int }
	var spans []span
	lower := strings.ToLower(text)

	for _, r := range s.rules {
		if !hasKeyword(lower, r.keywords) {
			continue
		}
		for _, m := range r.pattern.FindAllStringIndex(text, -1) {
			if s.allowed(text[m[0]:m[1]]) {
				continue
			}
			spans = append(spans, span{m[0], m[1]})
			res.ByRule[r.id]++
		}
	}

	if len(spans) > 0 {
		sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
		var b strings.Builder
		pos := 0
		for _, sp := range spans {
			if sp.end <= pos {
				continue
			}
			// overlapping matches extend the redaction already written
			if sp.start >= pos {
				b.WriteString(text[pos:sp.start])
				b.WriteString(Redaction)
			}
			pos = sp.end
		}
		b.WriteString(text[pos:])
		res.Text = b.String()
	}

	if s.gitleaks != nil {
		for secret, rule := range s.gitleaks.secrets(res.Text) {
			if strings.Contains(secret, Redaction) || s.allowed(secret) {
				continue
			}
			res.Text = strings.ReplaceAll(res.Text, secret, Redaction)
			res.ByRule["gitleaks:"+rule]++
		}
	}
	return res
}

func (s *Scrubber) allowed(match string) bool {
	for _, re := range s.allow {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}

func hasKeyword(lower string, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
