// Package shellarg renders untrusted strings into container-runtime command
// lines and bind-mount specs without letting them change the command's shape.
//
// The runtime itself is always started with an argv vector (os/exec never
// goes through a host shell). Quoting matters for the two places where a
// string is re-parsed: the script handed to the container shell with -c, and
// command lines written to logs or diagnostics that an operator may paste.
package shellarg

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Mount modes accepted by FormatBindMount.
const (
	ModeReadWrite = "rw"
	ModeReadOnly  = "ro"
)

var (
	ErrRelativePath = errors.New("shellarg: mount path must be absolute")
	ErrInvalidPath  = errors.New("shellarg: mount path contains a forbidden character")
	ErrInvalidMode  = errors.New("shellarg: unknown mount mode")
)

// Quote returns s in a form a POSIX shell reads back as exactly one word
// equal to s. Words made only of safe characters are returned unchanged.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if isSafe(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Join quotes every argument and joins them with single spaces.
func Join(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = Quote(a)
	}
	return strings.Join(quoted, " ")
}

// Script builds "cd <dir> && <command>" for the container shell. The directory
// is quoted; the command is the trusted pipeline recipe and is kept verbatim.
func Script(dir, command string) string {
	return "cd " + Quote(dir) + " && " + command
}

func isSafe(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("@%+=:,./-_", r):
		default:
			return false
		}
	}
	return true
}

// FormatBindMount renders a "-v" value: host:container[:mode]. Host paths use
// the native separator of the machine running the engine and are normalized to
// forward slashes for the runtime.
func FormatBindMount(hostPath, containerPath, mode string) (string, error) {
	return formatBindMount(hostPath, containerPath, mode, filepath.Separator == '\\')
}

func formatBindMount(hostPath, containerPath, mode string, windows bool) (string, error) {
	host, err := normalizeHostPath(hostPath, windows)
	if err != nil {
		return "", err
	}

	if !strings.HasPrefix(containerPath, "/") {
		return "", fmt.Errorf("%w: %q", ErrRelativePath, containerPath)
	}
	if strings.ContainsAny(containerPath, ":,\x00\n\r") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, containerPath)
	}

	switch mode {
	case "":
		return host + ":" + containerPath, nil
	case ModeReadWrite, ModeReadOnly:
		return host + ":" + containerPath + ":" + mode, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
}

func normalizeHostPath(p string, windows bool) (string, error) {
	if strings.ContainsAny(p, ",\x00\n\r") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}

	if !windows {
		if !strings.HasPrefix(p, "/") {
			return "", fmt.Errorf("%w: %q", ErrRelativePath, p)
		}
		if strings.Contains(p, ":") {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
		return p, nil
	}

	p = strings.ReplaceAll(p, `\`, "/")

	// A drive letter is the only colon a Windows host path may carry.
	rest := p
	if len(p) >= 2 && p[1] == ':' && isLetter(p[0]) {
		rest = p[2:]
	} else if !strings.HasPrefix(p, "//") {
		return "", fmt.Errorf("%w: %q", ErrRelativePath, p)
	}
	if !strings.HasPrefix(rest, "/") {
		return "", fmt.Errorf("%w: %q", ErrRelativePath, p)
	}
	if strings.Contains(rest, ":") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return p, nil
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
