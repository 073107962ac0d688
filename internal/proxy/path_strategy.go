package proxy

import (
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/funnyzak/mockproxy/internal/logger"
)

// PathStrategyOptions selects how the upstream path is derived from the
// inbound one. Mode is append (default), strip_prefix or rewrite.
type PathStrategyOptions struct {
	Mode        string
	StripPrefix string
	Rules       []RewriteRuleOption
}

// RewriteRuleOption is one rewrite rule. Without Regex, Match is a path
// prefix replaced by Replace; with Regex, Match is an expression and Replace
// may reference its groups.
type RewriteRuleOption struct {
	Name    string
	Match   string
	Replace string
	Regex   bool
}

// pathRewriter rewrites a cleaned path, reporting whether it applied.
type pathRewriter interface {
	rewrite(cleanPath string) (string, bool)
}

type namedRewriter struct {
	name string
	pathRewriter
}

// pathStrategy tries its rewriters in order. A nil strategy relays paths
// unchanged.
type pathStrategy struct {
	rewriters []namedRewriter
}

type prefixStrip struct{ prefix string }

func (s prefixStrip) rewrite(p string) (string, bool) {
	if p != s.prefix && !strings.HasPrefix(p, s.prefix+"/") {
		return "", false
	}
	return cleanURLPath(p[len(s.prefix):]), true
}

type prefixRule struct{ match, replace string }

func (r prefixRule) rewrite(p string) (string, bool) {
	if !strings.HasPrefix(p, r.match) {
		return "", false
	}
	return joinURLPath(r.replace, p[len(r.match):]), true
}

type regexRule struct {
	expr    *regexp.Regexp
	replace string
}

func (r regexRule) rewrite(p string) (string, bool) {
	if !r.expr.MatchString(p) {
		return "", false
	}
	return cleanURLPath(r.expr.ReplaceAllString(p, r.replace)), true
}

func newPathStrategy(opts PathStrategyOptions, log logger.Logger) *pathStrategy {
	var rewriters []namedRewriter
	switch strings.ToLower(opts.Mode) {
	case "strip_prefix":
		prefix := strings.TrimSpace(opts.StripPrefix)
		if prefix != "" && prefix != "/" {
			rewriters = append(rewriters, namedRewriter{"strip_prefix", prefixStrip{cleanURLPath(prefix)}})
		}
	case "rewrite":
		for i, opt := range opts.Rules {
			if rw, ok := compileRule(i, opt, log); ok {
				rewriters = append(rewriters, rw)
			}
		}
	}
	if len(rewriters) == 0 {
		return nil
	}
	return &pathStrategy{rewriters: rewriters}
}

func compileRule(idx int, opt RewriteRuleOption, log logger.Logger) (namedRewriter, bool) {
	name := opt.Name
	if name == "" {
		name = "rewrite_rule_" + strconv.Itoa(idx+1)
	}
	match := strings.TrimSpace(opt.Match)
	replace := strings.TrimSpace(opt.Replace)
	if replace == "" {
		replace = "/"
	}

	if !opt.Regex {
		match = cleanURLPath(match)
		if match == "/" {
			return namedRewriter{}, false
		}
		return namedRewriter{name, prefixRule{match: match, replace: cleanURLPath(replace)}}, true
	}

	if match == "" {
		return namedRewriter{}, false
	}
	expr, err := regexp.Compile(match)
	if err != nil {
		if log != nil {
			log.Warn("invalid rewrite regex skipped", "rule", name, "error", err)
		}
		return namedRewriter{}, false
	}
	return namedRewriter{name, regexRule{expr: expr, replace: replace}}, true
}

// resolve maps an inbound path to the upstream path and names the rule
// applied, if any. Paths no rule applies to pass through untouched.
func (ps *pathStrategy) resolve(inputPath string) (string, string) {
	if ps == nil {
		if inputPath == "" {
			return "/", ""
		}
		return inputPath, ""
	}
	cleaned := cleanURLPath(inputPath)
	for _, rw := range ps.rewriters {
		if out, ok := rw.rewrite(cleaned); ok {
			return out, rw.name
		}
	}
	return inputPath, ""
}

func cleanURLPath(p string) string {
	if p == "" {
		return "/"
	}
	return path.Clean("/" + p)
}

func joinURLPath(base, rest string) string {
	rest = strings.TrimLeft(rest, "/")
	if rest == "" {
		return base
	}
	return cleanURLPath(base + "/" + rest)
}
