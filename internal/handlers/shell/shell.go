package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"tradeflow/internal/domain"
)

// waitDelay bounds how long Run waits for orphaned children holding the
// output pipes after the context kills the command.
const waitDelay = time.Second

// Exec runs a local program per task. The payload is written to its stdin
// as JSON and its stdout, when not empty, is decoded as the JSON result.
type Exec struct {
	Command string
	Args    []string
}

func (h Exec) Handle(ctx context.Context, payload domain.Payload) (any, error) {
	if h.Command == "" {
		return nil, fmt.Errorf("command is required")
	}
	in, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, h.Command, h.Args...)
	cmd.Stdin = bytes.NewReader(in)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("shell error: %v; stderr=%s", err, bytes.TrimSpace(stderr.Bytes()))
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return nil, nil
	}
	var result any
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("decode output: %w", err)
	}
	return result, nil
}
