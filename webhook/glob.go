package webhook

import "strings"

// MatchPattern matches a stream path against a subscription pattern.
// Segments are split on "/"; "*" matches exactly one segment, "**"
// matches any run of segments including none, and "%2A" in a literal
// segment stands for a literal asterisk.
func MatchPattern(pattern, path string) bool {
	return matchSegs(segments(pattern), segments(path))
}

func segments(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func matchSegs(pattern, path []string) bool {
	if len(pattern) == 0 {
		return len(path) == 0
	}
	switch seg := pattern[0]; seg {
	case "**":
		for i := 0; i <= len(path); i++ {
			if matchSegs(pattern[1:], path[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(path) > 0 && matchSegs(pattern[1:], path[1:])
	default:
		if len(path) == 0 {
			return false
		}
		lit := strings.ReplaceAll(seg, "%2A", "*")
		lit = strings.ReplaceAll(lit, "%2a", "*")
		return lit == path[0] && matchSegs(pattern[1:], path[1:])
	}
}
