package sandbox

import "strings"

// QuoteArg wraps a shell-bound argument in single quotes, escaping any
// embedded single quotes, so that it always reaches the command as one
// token
func QuoteArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ShellScript builds a `sh -c <script>` argument vector. Only the script
// body is quoted as a single token; the shell invocation itself is left
// bare so the runtime resolves it
func ShellScript(script string) []string {
	return []string{"sh", "-c", script}
}

// QuoteAll quotes every argument in the slice
func QuoteAll(args []string) []string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = QuoteArg(a)
	}
	return quoted
}
