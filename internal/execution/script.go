package execution

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/smilemakc/synth/internal/domain"
)

// ErrExecutableNotFound is returned when a node's interpreter cannot be
// resolved on PATH.
var ErrExecutableNotFound = errors.New("executable not found")

// ScriptPath returns the path a node's script is materialized at inside
// the run's temp dir. The name is a pure function of the node's content,
// so re-runs reuse the same file.
func ScriptPath(tmpDir string, node *domain.ResolvedNode) string {
	return filepath.Join(tmpDir, fmt.Sprintf("%s-%s", node.ID, node.UID()))
}

// MaterializeScript writes the node's script to the run's temp dir with
// the executable bit set, overwriting any previous copy. The shebang line
// is derived from the node's interpreter invocation, resolved to an
// absolute path.
func MaterializeScript(tmpDir string, node *domain.ResolvedNode) (string, error) {
	fields := strings.Fields(node.Target.Executable)
	if len(fields) == 0 {
		return "", fmt.Errorf("%w: node %q has an empty executable", ErrExecutableNotFound, node.ID)
	}

	abs, err := exec.LookPath(fields[0])
	if err != nil {
		return "", fmt.Errorf("%w: %q for node %q", ErrExecutableNotFound, fields[0], node.ID)
	}

	shebang := "#!" + strings.Join(append([]string{abs}, fields[1:]...), " ")
	script := shebang + "\n\n" + node.Target.Commands + "\n"

	path := ScriptPath(tmpDir, node)
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		return "", fmt.Errorf("writing script for node %q: %w", node.ID, err)
	}

	return path, nil
}
