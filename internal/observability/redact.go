package observability

import "regexp"

const redacted = "[REDACTED]"

type secretPattern struct {
	re   *regexp.Regexp
	repl string
}

// secretPatterns match credentials that show up in probed URLs, storage DSNs,
// and error messages carried into span attributes.
var secretPatterns = []secretPattern{
	// user:password@ in URLs and DSNs
	{re: regexp.MustCompile(`(://)[^/\s:@]+:[^/\s@]+@`), repl: "${1}" + redacted + "@"},
	// credential query parameters
	{
		re:   regexp.MustCompile(`(?i)([?&](?:api[_-]?key|access[_-]?token|token|key|sig|signature|password)=)[^&#\s\[][^&#\s]*`),
		repl: "${1}" + redacted,
	},
	{re: regexp.MustCompile(`(?i)\bBearer\s+[a-z0-9_.\-/+=]{8,}`), repl: "Bearer " + redacted},
	// JWT-like tokens
	{re: regexp.MustCompile(`(?i)eyj[a-z0-9_-]{8,}\.[a-z0-9_-]{8,}\.[a-z0-9_-]{8,}`), repl: redacted},
	// prefixed API keys: sk_, pk_, rk_, gh?_, pat_
	{re: regexp.MustCompile(`(?i)\b(?:sk|pk|rk|gh[pousr]|pat)_[a-z0-9_-]{8,}`), repl: redacted},
	// key=value secrets in DSNs
	{re: regexp.MustCompile(`(?i)\b(password|secret|token)\s*=\s*[^\s&\[]{4,}`), repl: "${1}=" + redacted},
}

// HasSecret reports whether s matches any known credential pattern.
func HasSecret(s string) bool {
	if len(s) < 8 {
		return false
	}
	for _, p := range secretPatterns {
		if p.re.MatchString(s) {
			return true
		}
	}
	return false
}

// RedactSecrets replaces every credential in s with [REDACTED]. s is returned
// as is when nothing matches.
func RedactSecrets(s string) string {
	if !HasSecret(s) {
		return s
	}
	for _, p := range secretPatterns {
		s = p.re.ReplaceAllString(s, p.repl)
	}
	return s
}
