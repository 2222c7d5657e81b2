package recognizer

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Exec runs an external classifier once per image. The image is written to
// the command's stdin and the guess is read from stdout.
type Exec struct {
	Command string
	Args    []string
}

func (e Exec) Recognize(ctx context.Context, image []byte) (string, error) {
	if e.Command == "" {
		return "", fmt.Errorf("command is required")
	}
	cmd := exec.CommandContext(ctx, e.Command, e.Args...)
	cmd.Stdin = bytes.NewReader(image)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("classifier error: %v; stderr=%s", err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}
