package power

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// DefaultCommand is the unprivileged poweroff request.
var DefaultCommand = []string{"systemctl", "poweroff"}

// RunCommand runs argv and returns its error with trimmed combined output
// attached. A nil error only means the command exited 0; for poweroff
// requests that says nothing about whether the host is going down.
func RunCommand(ctx context.Context, argv []string) error {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return errors.New("power: empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			return fmt.Errorf("%s: %w", argv[0], err)
		}
		return fmt.Errorf("%s: %w: %s", argv[0], err, msg)
	}
	return nil
}
