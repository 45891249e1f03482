package context

import (
	"strings"
)

// Compress applies a strategy to a fragment and returns the compressed
// fragment with its quality score recorded. Strategies are pure and total:
// unknown kinds (including Other tags with no registered plug-in) fall back
// to the identity transform with quality 1.
//
// Compressing an already-compressed fragment with None returns it unchanged,
// so compress(compress(x, S), None) == compress(x, S).
func Compress(f Fragment, s Strategy) Fragment {
	text, quality := applyStrategy(f.Text, s)

	out := f
	out.Text = text
	out.Strategy = s
	if s.Kind == KindNone {
		// Identity keeps whatever quality the fragment already carries.
		out.Strategy = f.Strategy
		if f.QualityScore == 0 {
			out.QualityScore = 1
		}
		return out
	}
	out.QualityScore = quality
	out.Tokens = NewTokenCounter().CountFragment(out)
	return out
}

func applyStrategy(text string, s Strategy) (string, float64) {
	switch s.Kind {
	case KindNone:
		return text, 1.0
	case KindRemoveWhitespace:
		return removeWhitespace(text), 0.95
	case KindRemoveComments:
		return removeComments(text), 0.85
	case KindTreeShaking:
		return treeShake(text), 0.7
	case KindExtractKeyPoints:
		return extractKeyPoints(text), 0.6
	case KindSummary:
		return summarize(text), 0.55
	case KindSkeleton:
		return skeleton(text), 0.5
	case KindHybrid:
		t := removeComments(text)
		t = removeWhitespace(t)
		if len(t) > 400 {
			t = summarize(t)
			return t, 0.5
		}
		return t, 0.8
	case KindUltraCompact:
		return ultraCompact(text), 0.3
	default:
		return text, 1.0
	}
}

// removeWhitespace collapses blank lines and trailing space.
func removeWhitespace(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		trimmed := strings.TrimRight(line, " \t")
		if strings.TrimSpace(trimmed) == "" {
			if blank {
				continue
			}
			blank = true
			trimmed = ""
		} else {
			blank = false
		}
		out = append(out, trimmed)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// removeComments strips line and block comments.
func removeComments(text string) string {
	var out []string
	inBlock := false
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if inBlock {
			if idx := strings.Index(trimmed, "*/"); idx >= 0 {
				inBlock = false
			}
			continue
		}
		if strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if strings.HasPrefix(trimmed, "/*") {
			if !strings.Contains(trimmed, "*/") {
				inBlock = true
			}
			continue
		}
		if idx := strings.Index(line, "//"); idx >= 0 && !strings.Contains(line[:idx], "\"") {
			line = strings.TrimRight(line[:idx], " \t")
		}
		out = append(out, line)
	}
	return removeWhitespace(strings.Join(out, "\n"))
}

// declarationPrefixes mark lines tree shaking and key-point extraction keep.
var declarationPrefixes = []string{
	"func ", "type ", "const ", "var ", "interface ", "struct ",
	"class ", "def ", "fn ", "impl ", "pub ", "return ",
}

func isDeclaration(line string) bool {
	trimmed := strings.TrimSpace(line)
	for _, p := range declarationPrefixes {
		if strings.HasPrefix(trimmed, p) {
			return true
		}
	}
	return false
}

// treeShake keeps declarations and the lines adjacent to them, dropping
// deep implementation detail.
func treeShake(text string) string {
	lines := strings.Split(text, "\n")
	keep := make([]bool, len(lines))
	for i, line := range lines {
		if isDeclaration(line) {
			keep[i] = true
			if i+1 < len(lines) {
				keep[i+1] = true
			}
		}
	}
	var out []string
	dropped := false
	for i, line := range lines {
		if keep[i] {
			if dropped {
				out = append(out, "\t// ...")
				dropped = false
			}
			out = append(out, line)
		} else if strings.TrimSpace(line) != "" {
			dropped = true
		}
	}
	if len(out) == 0 {
		return summarize(text)
	}
	return strings.Join(out, "\n")
}

// extractKeyPoints keeps declaration and error/return lines only.
func extractKeyPoints(text string) string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if isDeclaration(line) || strings.Contains(trimmed, "error") || strings.Contains(trimmed, "panic") {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return summarize(text)
	}
	return strings.Join(out, "\n")
}

// summarize keeps the leading lines up to a hard cap.
func summarize(text string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	const maxLines = 5
	if len(lines) <= maxLines {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[:maxLines], "\n") + "\n// ..."
}

// skeleton reduces text to its first non-empty line.
func skeleton(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) != "" {
			return strings.TrimSpace(line)
		}
	}
	return ""
}

// ultraCompact is skeleton with a hard character cap.
func ultraCompact(text string) string {
	s := skeleton(text)
	const maxChars = 80
	if len(s) > maxChars {
		return s[:maxChars]
	}
	return s
}
