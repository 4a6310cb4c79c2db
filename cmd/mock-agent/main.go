// Package main implements a mock agent binary that speaks the stream-json
// protocol on stdin/stdout. It emits scripted event sequences for
// development and e2e tests without spending tokens on a real agent.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// sessionID identifies this mock-agent process. Each session launches its
// own process, so the PID keeps parallel sessions distinct.
var sessionID = fmt.Sprintf("mock-session-%d", os.Getpid())

func main() {
	model := parseModelFlag(os.Args)
	if err := run(os.Stdin, os.Stdout, model); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
		os.Exit(1)
	}
}

// run consumes newline-delimited JSON user messages and answers each with a
// scripted event sequence.
func run(in io.Reader, out io.Writer, model string) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	enc := json.NewEncoder(out)

	initSent := false
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg userMessage
		if err := json.Unmarshal(line, &msg); err != nil || msg.Type != "user" {
			continue
		}
		prompt := msg.Message.Content

		if !initSent {
			if err := emitInit(enc, model); err != nil {
				return err
			}
			initSent = true
		}
		if err := playScenario(enc, pickScenario(prompt), prompt, model); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// userMessage is the inbound pipe format: one JSON user message per line.
type userMessage struct {
	Type    string `json:"type"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
}

// parseModelFlag extracts the --model value from the args slice.
func parseModelFlag(args []string) string {
	for i, arg := range args[1:] {
		if arg == "--model" && i+1 < len(args)-1 {
			return args[i+2]
		}
		if strings.HasPrefix(arg, "--model=") {
			return strings.TrimPrefix(arg, "--model=")
		}
	}
	return "mock-default"
}
