package guard

import (
	"net/http"
	"regexp"
	"strings"
)

const maxRequestBodyBytes = 10 * 1024 * 1024 // 10 MiB

// maxSanitizedLength caps the string sanitize returns, per §4.8 step 5's
// sanitiser that strips <>{}'" and caps lengths.
const maxSanitizedLength = 2048

var suspiciousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\.\./`),
	regexp.MustCompile(`(?i)<script`),
	regexp.MustCompile(`(?i)union.*select`),
	regexp.MustCompile(`(?i)exec\s*\(`),
	regexp.MustCompile(`__proto__`),
	regexp.MustCompile(`constructor`),
}

// sanitize strips characters with no legitimate use in a path, user-agent,
// or query value and caps the result's length, per §4.8 step 5. Suspicious-
// pattern matching sees both this form and the value as received.
func sanitize(s string) string {
	replacer := strings.NewReplacer("<", "", ">", "", "{", "", "}", "", "'", "", `"`, "")
	s = replacer.Replace(s)
	if len(s) > maxSanitizedLength {
		s = s[:maxSanitizedLength]
	}
	return s
}

// isSuspicious reports whether any of path, userAgent, or the request's
// query values match a known attack-pattern regex, either as received or
// after sanitization.
func isSuspicious(r *http.Request) bool {
	var candidates []string
	add := func(s string) { candidates = append(candidates, s, sanitize(s)) }
	add(r.URL.Path)
	add(r.UserAgent())
	for _, values := range r.URL.Query() {
		for _, v := range values {
			add(v)
		}
	}
	for _, c := range candidates {
		for _, re := range suspiciousPatterns {
			if re.MatchString(c) {
				return true
			}
		}
	}
	return false
}

// tooLarge reports whether r's declared Content-Length exceeds the cap.
func tooLarge(r *http.Request) bool {
	return r.ContentLength > maxRequestBodyBytes
}

// isTrustedBypassPath reports whether path is one of the fixed set of
// operational endpoints that a trusted (loopback/RFC 1918) source may
// reach without going through the pipeline.
func isTrustedBypassPath(path string) bool {
	switch path {
	case "/health", "/metrics", "/status":
		return true
	default:
		return false
	}
}

// isTrustedSource reports whether ip is loopback or within an RFC 1918
// private range.
func isTrustedSource(ip string) bool {
	if ip == "127.0.0.1" || ip == "::1" {
		return true
	}
	return strings.HasPrefix(ip, "10.") ||
		strings.HasPrefix(ip, "192.168.") ||
		isPrivate172(ip)
}

func isPrivate172(ip string) bool {
	if !strings.HasPrefix(ip, "172.") {
		return false
	}
	parts := strings.SplitN(ip, ".", 3)
	if len(parts) < 2 {
		return false
	}
	second := parts[1]
	return second >= "16" && second <= "31" && len(second) == 2
}
