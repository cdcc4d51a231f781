package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// readSecret prompts on stderr and reads a line from stdin without echo when
// stdin is a terminal.
func readSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	return readLine(stdin)
}

// stdin is shared so piped input is not lost between prompts.
var stdin = bufio.NewReader(os.Stdin)

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// pinFlagOrPrompt returns the --pin value, or asks for it.
func pinFlagOrPrompt(flag, prompt string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	return readSecret(prompt)
}

// readNewPIN asks for a PIN twice.
func readNewPIN(label string) (string, error) {
	first, err := readSecret(label + ": ")
	if err != nil {
		return "", err
	}
	second, err := readSecret("Repeat " + strings.ToLower(label) + ": ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", fmt.Errorf("PINs do not match")
	}
	return first, nil
}
