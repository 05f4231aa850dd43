package generator

import "strings"

// ExtractCode pulls the script out of a model reply: the first ```python
// fence, else the first bare ``` fence, else the whole trimmed reply.
// An unterminated fence yields everything after its opening line.
func ExtractCode(content string) string {
	if body, ok := fenced(content, "```python"); ok {
		return body
	}
	if body, ok := fenced(content, "```"); ok {
		return body
	}
	return strings.TrimSpace(content)
}

func fenced(content, open string) (string, bool) {
	start := strings.Index(content, open)
	if start < 0 {
		return "", false
	}
	rest := content[start+len(open):]
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	// The opening line may carry a language tag ("```py", "```python3").
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 && isLangTag(rest[:nl]) {
		rest = rest[nl+1:]
	}
	return strings.TrimSpace(rest), true
}

func isLangTag(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > 16 {
		return false
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '+' || r == '-') {
			return false
		}
	}
	return true
}
