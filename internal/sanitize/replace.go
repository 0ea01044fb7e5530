package sanitize

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/funnyzak/recproxy/internal/proxyerr"
)

const defaultValue = "Sanitized"

// replacer is the shared "value/regex/groupForReplace" rewrite used by most
// sanitizers. Without a regex the whole input is replaced. With a group,
// only that capture group of each match is replaced.
type replacer struct {
	value string
	re    *regexp.Regexp
	group int
}

type replaceConfig struct {
	Value           *string `json:"value"`
	Regex           string  `json:"regex"`
	GroupForReplace string  `json:"groupForReplace"`
}

func newReplacer(id string, cfg replaceConfig, regexRequired bool) (*replacer, error) {
	r := &replacer{value: defaultValue, group: -1}
	if cfg.Value != nil {
		r.value = *cfg.Value
	}
	if strings.TrimSpace(cfg.Regex) == "" {
		if regexRequired {
			return nil, proxyerr.Configuration(id, "%s requires a non-empty regex", id)
		}
		if cfg.GroupForReplace != "" {
			return nil, proxyerr.Configuration(id, "%s: groupForReplace requires a regex", id)
		}
		return r, nil
	}

	re, err := regexp.Compile(cfg.Regex)
	if err != nil {
		return nil, proxyerr.WrapConfiguration(id, err, "%s: invalid regex %q", id, cfg.Regex)
	}
	r.re = re

	if cfg.GroupForReplace != "" {
		idx, err := strconv.Atoi(cfg.GroupForReplace)
		if err != nil {
			idx = re.SubexpIndex(cfg.GroupForReplace)
		}
		if idx < 0 || idx > re.NumSubexp() {
			return nil, proxyerr.Configuration(id, "%s: regex %q has no group %q", id, cfg.Regex, cfg.GroupForReplace)
		}
		r.group = idx
	}
	return r, nil
}

func (r *replacer) apply(input string) string {
	if r.re == nil {
		return r.value
	}
	if r.group < 0 {
		return r.re.ReplaceAllLiteralString(input, r.value)
	}

	matches := r.re.FindAllStringSubmatchIndex(input, -1)
	if len(matches) == 0 {
		return input
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		start, end := m[2*r.group], m[2*r.group+1]
		if start < 0 {
			continue
		}
		b.WriteString(input[last:start])
		b.WriteString(r.value)
		last = end
	}
	b.WriteString(input[last:])
	return b.String()
}
