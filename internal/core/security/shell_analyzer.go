package security

import (
	"path/filepath"
	"strings"

	"github.com/kballard/go-shellquote"
)

// Segment is one simple command inside a shell line, together with the
// control operator that precedes it ("" for the first segment).
type Segment struct {
	Op    string
	Words []string
}

// Executable returns the base name of the segment's program, skipping
// leading VAR=value assignments.
func (s Segment) Executable() string {
	for _, w := range s.Words {
		if isAssignment(w) {
			continue
		}
		return strings.ToLower(filepath.Base(w))
	}
	return ""
}

// Args returns the words after the executable
func (s Segment) Args() []string {
	for i, w := range s.Words {
		if isAssignment(w) {
			continue
		}
		return s.Words[i+1:]
	}
	return nil
}

// SplitSegments breaks a shell line on |, ||, &&, ; , & and newlines while
// respecting quotes, then tokenizes each segment with shell quoting rules.
func SplitSegments(line string) []Segment {
	var (
		segments []Segment
		buf      strings.Builder
		op       string
		single   bool
		double   bool
		escaped  bool
	)

	flush := func(next string) {
		text := strings.TrimSpace(buf.String())
		buf.Reset()
		if text != "" {
			segments = append(segments, Segment{Op: op, Words: tokenize(text)})
		}
		op = next
	}

	runes := []rune(line)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case escaped:
			escaped = false
			buf.WriteRune(r)
			continue
		case r == '\\' && !single:
			escaped = true
			buf.WriteRune(r)
			continue
		case r == '\'' && !double:
			single = !single
		case r == '"' && !single:
			double = !double
		}
		if single || double || r == '\'' || r == '"' {
			buf.WriteRune(r)
			continue
		}

		next := byte(0)
		if i+1 < len(runes) && runes[i+1] < 128 {
			next = byte(runes[i+1])
		}
		switch {
		case r == '|' && next == '|':
			flush("||")
			i++
		case r == '&' && next == '&':
			flush("&&")
			i++
		case r == '|':
			flush("|")
		case r == ';' || r == '\n':
			flush(";")
		case r == '&' && !isRedirectAmp(runes, i):
			flush("&")
		default:
			buf.WriteRune(r)
		}
	}
	flush("")

	return segments
}

// maxNesting bounds how deep substitutions and inline scripts are followed
const maxNesting = 8

// inlineShells run the script passed with -c
var inlineShells = map[string]struct{}{
	"sh": {}, "bash": {}, "zsh": {}, "dash": {}, "ksh": {}, "ash": {}, "fish": {},
}

// wrappers run their arguments as a command
var wrappers = map[string]struct{}{
	"env": {}, "nohup": {}, "exec": {}, "command": {}, "builtin": {}, "time": {},
	"xargs": {}, "nice": {}, "setsid": {}, "stdbuf": {},
}

// ExpandSegments returns the segments of line plus those of every command the
// shell would also run: $(...), backticks, <(...) and >(...) bodies, eval
// arguments, "sh -c" scripts and wrapped commands such as "env rm". The
// second result is false when a substitution is unterminated or nested too
// deeply to follow.
func ExpandSegments(line string) ([]Segment, bool) {
	return expand(line, 0)
}

func expand(line string, depth int) ([]Segment, bool) {
	if depth > maxNesting {
		return nil, false
	}
	segments := SplitSegments(line)
	bodies, ok := Substitutions(line)
	for _, seg := range segments {
		if inner := seg.inlineScript(); inner != "" {
			bodies = append(bodies, inner)
		}
	}
	for _, body := range bodies {
		inner, innerOK := expand(body, depth+1)
		segments = append(segments, inner...)
		ok = ok && innerOK
	}
	return segments, ok
}

// inlineScript returns the command text this segment hands to another
// interpreter, or "".
func (s Segment) inlineScript() string {
	exe := s.Executable()
	args := s.Args()
	if len(args) == 0 {
		return ""
	}
	if exe == "eval" {
		return strings.Join(args, " ")
	}
	if _, ok := inlineShells[exe]; ok {
		for i, a := range args {
			if strings.HasPrefix(a, "-") && !strings.HasPrefix(a, "--") && strings.HasSuffix(a, "c") && i+1 < len(args) {
				return args[i+1]
			}
		}
		return ""
	}
	if _, ok := wrappers[exe]; ok {
		for i, a := range args {
			if strings.HasPrefix(a, "-") || isAssignment(a) {
				continue
			}
			return shellquote.Join(args[i:]...)
		}
	}
	return ""
}

// Substitutions returns the bodies of the command substitutions and process
// substitutions in line, outermost first. Single-quoted text is literal.
// Arithmetic $((...)) is not a command but is searched for nested ones.
func Substitutions(line string) ([]string, bool) {
	var bodies []string
	runes := []rune(line)
	single, double, escaped := false, false, false

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case escaped:
			escaped = false
			continue
		case r == '\\' && !single:
			escaped = true
			continue
		case r == '\'' && !double:
			single = !single
			continue
		case single:
			continue
		case r == '"':
			double = !double
			continue
		}

		next := rune(0)
		if i+1 < len(runes) {
			next = runes[i+1]
		}
		switch {
		case r == '`':
			end := closingBacktick(runes, i+1)
			if end < 0 {
				return bodies, false
			}
			bodies = append(bodies, string(runes[i+1:end]))
			i = end
		case r == '$' && next == '(':
			end := closingParen(runes, i+1)
			if end < 0 {
				return bodies, false
			}
			body := string(runes[i+2 : end])
			if strings.HasPrefix(body, "(") {
				nested, ok := Substitutions(body)
				bodies = append(bodies, nested...)
				if !ok {
					return bodies, false
				}
			} else {
				bodies = append(bodies, body)
			}
			i = end
		case (r == '<' || r == '>') && next == '(' && !double:
			end := closingParen(runes, i+1)
			if end < 0 {
				return bodies, false
			}
			bodies = append(bodies, string(runes[i+2:end]))
			i = end
		}
	}
	return bodies, true
}

// closingParen returns the index of the ) matching the ( at open, or -1
func closingParen(runes []rune, open int) int {
	depth := 0
	single, double, escaped := false, false, false
	for j := open; j < len(runes); j++ {
		r := runes[j]
		switch {
		case escaped:
			escaped = false
		case r == '\\' && !single:
			escaped = true
		case r == '\'' && !double:
			single = !single
		case single:
		case r == '"':
			double = !double
		case double:
		case r == '(':
			depth++
		case r == ')':
			depth--
			if depth == 0 {
				return j
			}
		}
	}
	return -1
}

// closingBacktick returns the index of the next unescaped backtick, or -1
func closingBacktick(runes []rune, from int) int {
	for j := from; j < len(runes); j++ {
		switch runes[j] {
		case '\\':
			j++
		case '`':
			return j
		}
	}
	return -1
}

// NeedsShell reports whether the line uses shell syntax that a plain
// exec cannot reproduce.
func NeedsShell(line string) bool {
	return strings.ContainsAny(line, "|&;<>()$`*?[]{}~\n") || strings.Contains(line, "#")
}

// tokenize splits one segment into words. Unbalanced quotes fall back to
// whitespace splitting so the validator still sees every word.
func tokenize(text string) []string {
	words, err := shellquote.Split(text)
	if err != nil || len(words) == 0 {
		return strings.Fields(text)
	}
	return words
}

func isAssignment(w string) bool {
	eq := strings.IndexByte(w, '=')
	if eq <= 0 {
		return false
	}
	for _, c := range w[:eq] {
		if !(c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

// isRedirectAmp detects the & in "2>&1" and "&>file"
func isRedirectAmp(runes []rune, i int) bool {
	if i > 0 && runes[i-1] == '>' {
		return true
	}
	return i+1 < len(runes) && runes[i+1] == '>'
}
