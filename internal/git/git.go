// Package git shells out to the git binary for repository checkout.
package git

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

// Clone clones the repository into the provided destination directory.
// When commit is empty a shallow clone of the default branch is enough;
// otherwise the full history is fetched and the commit checked out.
func Clone(ctx context.Context, repoURL, commit, dest string) error {
	if repoURL == "" {
		return fmt.Errorf("repository URL cannot be empty")
	}
	if dest == "" {
		return fmt.Errorf("destination cannot be empty")
	}

	args := []string{"clone"}
	if commit == "" {
		args = append(args, "--depth", "1")
	}
	args = append(args, repoURL, ".")
	if err := run(ctx, dest, args...); err != nil {
		return fmt.Errorf("git clone failed: %w", err)
	}
	if commit != "" {
		if err := run(ctx, dest, "checkout", "--detach", commit); err != nil {
			return fmt.Errorf("git checkout %s failed: %w", commit, err)
		}
	}
	return nil
}

func run(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	// Prevent git from prompting for credentials interactively.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, string(output))
	}
	return nil
}
