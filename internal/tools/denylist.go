package tools

import "regexp"

type deniedPattern struct {
	re     *regexp.Regexp
	reason string
}

var denylist = []deniedPattern{
	{regexp.MustCompile(`\brm\s+(?:-[a-zA-Z]+\s+)*(?:/\*?|~/?|\$HOME/?|\*)(?:\s|;|&|\||$)`), "recursive delete of root, home, or wildcard"},
	{regexp.MustCompile(`\bmkfs(?:\.\w+)?\b`), "filesystem format"},
	{regexp.MustCompile(`\bdd\b.*\bof=/dev/`), "raw device write"},
	{regexp.MustCompile(`>\s*/dev/sd[a-z]`), "raw device write"},
	{regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`), "fork bomb"},
	{regexp.MustCompile(`(?:^|[;&|]\s*|\bsudo\s+)(?:shutdown|reboot|halt|poweroff)\b`), "host power control"},
	{regexp.MustCompile(`\bgit\s+push\b.*(?:--force\b|--force-with-lease\b|\s-f\b)`), "force push"},
	{regexp.MustCompile(`\bchmod\s+-R\s+777\s+/(?:\s|$)`), "recursive chmod of root"},
	{regexp.MustCompile(`\b(?:curl|wget)\b[^|]*\|\s*(?:sudo\s+)?(?:ba|z)?sh\b`), "piping a download into a shell"},
}

// CheckCommand reports whether command matches the destructive-command denylist.
func CheckCommand(command string) (reason string, denied bool) {
	for _, p := range denylist {
		if p.re.MatchString(command) {
			return p.reason, true
		}
	}
	return "", false
}
