package session

import (
	"fmt"
	"strings"
)

// shellQuote wraps an externally-supplied value in single quotes so it passes
// through `sh -c` as one literal word. Embedded single quotes become the
// `'\''` sequence. Null bytes cannot be represented in an argv string and are
// rejected outright.
func shellQuote(value string) (string, error) {
	if strings.ContainsRune(value, 0) {
		return "", fmt.Errorf("value contains null byte")
	}
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'", nil
}

// heredocWriteCommand builds a shell command that writes content to path via
// a here-document. The delimiter is quoted so the shell performs no
// expansion inside the body: `$HOME` in content stays `$HOME` in the file.
func heredocWriteCommand(path, content string) (string, error) {
	if strings.ContainsRune(content, 0) {
		return "", fmt.Errorf("content contains null byte")
	}
	quotedPath, err := shellQuote(path)
	if err != nil {
		return "", err
	}

	delimiter := "BATON_EOF"
	for strings.Contains(content, delimiter) {
		delimiter += "_X"
	}

	var b strings.Builder
	b.WriteString("cat > ")
	b.WriteString(quotedPath)
	b.WriteString(" <<'")
	b.WriteString(delimiter)
	b.WriteString("'\n")
	b.WriteString(content)
	if !strings.HasSuffix(content, "\n") {
		b.WriteString("\n")
	}
	b.WriteString(delimiter)
	b.WriteString("\n")
	return b.String(), nil
}
