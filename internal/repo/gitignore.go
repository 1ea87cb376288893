package repo

import (
	"path"
	"regexp"
	"strings"
)

// ignoreRule is one compiled .gitignore pattern, anchored at the directory
// of the .gitignore file it came from.
type ignoreRule struct {
	re      *regexp.Regexp
	negated bool
}

// defaultIgnores are always applied, before any .gitignore content.
var defaultIgnores = []string{".git", ".env", ".env.*", "node_modules"}

// compileRule converts a single gitignore pattern into an ignoreRule.
// basePath is the directory of the .gitignore file, relative to the repo
// root ("" for the root file).
func compileRule(pattern, basePath string) (ignoreRule, bool) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" || strings.HasPrefix(pattern, "#") {
		return ignoreRule{}, false
	}

	negated := strings.HasPrefix(pattern, "!")
	if negated {
		pattern = pattern[1:]
	}

	full := pattern
	if basePath != "" {
		full = basePath + "/" + pattern
	}
	full = strings.TrimPrefix(full, "/")

	isDir := strings.HasSuffix(full, "/")
	full = strings.TrimSuffix(full, "/")

	// Glob to regex: ** crosses directories, * and ? stay within one.
	expr := regexp.QuoteMeta(full)
	expr = strings.ReplaceAll(expr, `\*\*`, `.*`)
	expr = strings.ReplaceAll(expr, `\*`, `[^/]*`)
	expr = strings.ReplaceAll(expr, `\?`, `.`)
	_ = isDir // both files and directories match the name-or-prefix form
	expr = "^" + expr + "(/.*)?$"

	re, err := regexp.Compile(expr)
	if err != nil {
		return ignoreRule{}, false
	}
	return ignoreRule{re: re, negated: negated}, true
}

// ruleSet applies gitignore precedence: the last matching rule wins, and
// rules from deeper .gitignore files are appended after shallower ones.
type ruleSet struct {
	rules []ignoreRule
}

func newRuleSet() *ruleSet {
	rs := &ruleSet{}
	for _, p := range defaultIgnores {
		rs.add(p, "")
	}
	return rs
}

func (rs *ruleSet) add(pattern, basePath string) {
	if rule, ok := compileRule(pattern, basePath); ok {
		rs.rules = append(rs.rules, rule)
	}
}

func (rs *ruleSet) addFile(content, basePath string) {
	for _, line := range strings.Split(content, "\n") {
		rs.add(line, basePath)
	}
}

func (rs *ruleSet) ignored(filePath string) bool {
	ignored := false
	for _, rule := range rs.rules {
		if rule.re.MatchString(filePath) {
			ignored = !rule.negated
		}
	}
	return ignored
}

// binaryExtensions lists file types excluded from context loading. The
// content of these files would be replaced by a decode sentinel anyway.
var binaryExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".bmp": true,
	".webp": true, ".ico": true, ".tif": true, ".tiff": true, ".svg": true,
	".mp3": true, ".wav": true, ".ogg": true, ".flac": true, ".aac": true,
	".mp4": true, ".mov": true, ".avi": true, ".mkv": true, ".webm": true,
	".zip": true, ".rar": true, ".7z": true, ".tar": true, ".gz": true,
	".pdf": true, ".doc": true, ".docx": true, ".xls": true, ".xlsx": true,
	".ppt": true, ".pptx": true,
	".woff": true, ".woff2": true, ".ttf": true, ".otf": true, ".eot": true,
	".exe": true, ".dll": true, ".so": true, ".dmg": true, ".jar": true,
	".pyc": true, ".bin": true, ".lock": true,
}

func isBinaryPath(filePath string) bool {
	ext := strings.ToLower(path.Ext(filePath))
	return ext != "" && binaryExtensions[ext]
}
