package secrets

import (
	"regexp"

	gitleaksconfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksregexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// gitleaksPass runs the Gitleaks default ruleset over a string.
type gitleaksPass struct {
	detector *detect.Detector
}

func newGitleaksPass(allow []*regexp.Regexp) (*gitleaksPass, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, err
	}
	if len(allow) > 0 {
		al := &gitleaksconfig.Allowlist{Description: "teammem allowlist"}
		for _, re := range allow {
			al.Regexes = append(al.Regexes, (*gitleaksregexp.Regexp)(re))
		}
		d.Config.Allowlists = append(d.Config.Allowlists, al)
	}
	return &gitleaksPass{detector: d}, nil
}

// secrets returns each detected secret value with its rule id.
func (g *gitleaksPass) secrets(text string) map[string]string {
	findings := g.detector.DetectString(text)
	if len(findings) == 0 {
		return nil
	}
	out := make(map[string]string, len(findings))
	for _, f := range findings {
		if f.Secret != "" {
			out[f.Secret] = f.RuleID
		}
	}
	return out
}
