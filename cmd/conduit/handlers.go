package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

func echoHandler(_ context.Context, _ string, payload json.RawMessage) (any, error) {
	return payload, nil
}

// execHandler runs command once per message. The payload is written to
// stdin and CONDUIT_TOPIC holds the topic. Stdout that parses as JSON is
// returned as is, anything else as a JSON string. A non-zero exit fails the
// message with stderr as the error.
func execHandler(command []string) func(context.Context, string, json.RawMessage) (any, error) {
	return func(ctx context.Context, topic string, payload json.RawMessage) (any, error) {
		cmd := exec.CommandContext(ctx, command[0], command[1:]...)
		cmd.Stdin = bytes.NewReader(payload)
		cmd.Env = append(os.Environ(), "CONDUIT_TOPIC="+topic)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				return nil, fmt.Errorf("command failed: %w", err)
			}
			return nil, fmt.Errorf("command failed: %w: %s", err, msg)
		}

		out := bytes.TrimSpace(stdout.Bytes())
		if len(out) == 0 {
			return nil, nil
		}
		if json.Valid(out) {
			return json.RawMessage(out), nil
		}
		return string(out), nil
	}
}
