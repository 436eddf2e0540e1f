package index

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ignoreList decides which workspace paths the indexer should skip, based on
// the gitignore patterns of the workspace root.
type ignoreList struct {
	rules []ignoreRule
}

type ignoreRule struct {
	re       *regexp.Regexp
	negation bool
	dirOnly  bool
	anchored bool
}

// loadIgnoreList reads the .gitignore under root. A missing file yields an
// empty list that matches nothing.
func loadIgnoreList(root string) (*ignoreList, error) {
	il := &ignoreList{}

	f, err := os.Open(filepath.Join(root, ".gitignore"))
	if err != nil {
		if os.IsNotExist(err) {
			return il, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if rule, ok := parseIgnoreRule(line); ok {
			il.rules = append(il.rules, rule)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return il, nil
}

// Skip reports whether a root-relative path should be excluded from
// indexing. Later rules override earlier ones, gitignore style.
func (il *ignoreList) Skip(rel string, isDir bool) bool {
	if il == nil || len(il.rules) == 0 {
		return false
	}
	rel = filepath.ToSlash(rel)

	var skip bool
	for _, r := range il.rules {
		switch {
		case r.dirOnly && isDir:
			if r.re.MatchString(rel) {
				skip = !r.negation
			}
		case r.dirOnly:
			// A file inside an ignored directory.
			if r.re.MatchString(filepath.Dir(rel)) {
				skip = !r.negation
			}
		case r.anchored:
			if r.re.MatchString(rel) {
				skip = !r.negation
			}
		default:
			if r.re.MatchString(rel) || r.re.MatchString(filepath.Base(rel)) {
				skip = !r.negation
			}
		}
	}
	return skip
}

func parseIgnoreRule(pattern string) (ignoreRule, bool) {
	rule := ignoreRule{}

	if strings.HasPrefix(pattern, "!") {
		rule.negation = true
		pattern = pattern[1:]
	}
	rule.anchored = strings.HasPrefix(pattern, "/")
	if strings.HasSuffix(pattern, "/") {
		rule.dirOnly = true
		pattern = strings.TrimSuffix(pattern, "/")
	}

	re, err := regexp.Compile(globToRegex(pattern))
	if err != nil {
		return rule, false
	}
	rule.re = re
	return rule, true
}

// globToRegex converts one gitignore glob into an anchored regex.
func globToRegex(pattern string) string {
	var b strings.Builder

	anchored := strings.HasPrefix(pattern, "/")
	if anchored {
		b.WriteString("^")
		pattern = pattern[1:]
	} else {
		b.WriteString("(^|/)")
	}

	for i := 0; i < len(pattern); {
		ch := pattern[i]
		switch ch {
		case '*':
			if strings.HasPrefix(pattern[i:], "**/") {
				b.WriteString("(.*/)?")
				i += 3
			} else if strings.HasPrefix(pattern[i:], "**") {
				b.WriteString(".*")
				i += 2
			} else {
				b.WriteString("[^/]*")
				i++
			}
		case '?':
			b.WriteString("[^/]")
			i++
		case '[':
			end := strings.IndexByte(pattern[i:], ']')
			if end > 0 {
				b.WriteString(pattern[i : i+end+1])
				i += end + 1
			} else {
				b.WriteString("\\[")
				i++
			}
		case '\\':
			if i+1 < len(pattern) {
				b.WriteByte('\\')
				b.WriteByte(pattern[i+1])
				i += 2
			} else {
				b.WriteString("\\\\")
				i++
			}
		case '.', '+', '(', ')', '|', '^', '$', '@', '%':
			b.WriteByte('\\')
			b.WriteByte(ch)
			i++
		default:
			b.WriteByte(ch)
			i++
		}
	}

	if anchored {
		b.WriteString("$")
	} else {
		b.WriteString("(/.*)?$")
	}
	return b.String()
}
