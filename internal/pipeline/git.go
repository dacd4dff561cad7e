// git.go resolves the default image tag from the local git repository.
package pipeline

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mmr-tortoise/stevedore/internal/model"
)

// GitShortHash returns the short commit hash of HEAD in dir. It shells
// out to git; a tag that identifies the deployed commit is the whole
// point, and the repositories being deployed always have the git CLI
// available in CI.
//
// A dirty working tree is an error: the hash would name a commit whose
// content the built image does not contain, which defeats the tag's
// purpose. Pass --tag to deploy uncommitted work deliberately.
func GitShortHash(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--short", "HEAD")
	cmd.Dir = dir
	output, err := cmd.Output()
	if err != nil {
		return "", model.WrapCLIError(model.ExitGitError,
			"failed to resolve git commit — pass --tag or run inside a git repository", err)
	}
	hash := strings.TrimSpace(string(output))
	if hash == "" {
		return "", model.NewCLIError(model.ExitGitError, "git rev-parse returned an empty hash")
	}

	status := exec.CommandContext(ctx, "git", "status", "--porcelain")
	status.Dir = dir
	statusOut, err := status.Output()
	if err != nil {
		return "", model.WrapCLIError(model.ExitGitError, "failed to check git working tree state", err)
	}
	if strings.TrimSpace(string(statusOut)) != "" {
		return "", model.NewCLIError(model.ExitGitError,
			fmt.Sprintf("working tree has uncommitted changes; commit them or pass --tag (HEAD is %s)", hash))
	}
	return hash, nil
}
