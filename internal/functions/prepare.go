package functions

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
)

// variablePattern matches plain identifiers and os.environ['NAME'] items.
var variablePattern = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*|os\.environ\['[A-Za-z_][A-Za-z0-9_]*'\])$`)

const scriptWriter = `
if len(d_scripts) > 0:
    for k,v in d_scripts.items():
        with open(k,'w') as f:
            f.write(v)
`

type PrepareOptions struct {
	// Variables are assigned at the top of the script.
	Variables map[string]string
	// Scripts are embedded and written next to the function at start-up.
	Scripts []string
	// Target defaults to the script path with "_edited" before ".py".
	Target string
}

// Prepare writes a copy of a function script with variables and helper
// scripts embedded, and returns its path. The edited copy may hold
// credentials and should not be shared.
func Prepare(path string, opts PrepareOptions) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read function script: %w", err)
	}

	keys := make([]string, 0, len(opts.Variables))
	for k := range opts.Variables {
		if !variablePattern.MatchString(k) {
			return "", fmt.Errorf("variable %q is not a valid identifier", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := []string{"import os"}
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s = %s", k, strconv.Quote(opts.Variables[k])))
	}

	lines = append(lines, "d_scripts = {}")
	for _, script := range opts.Scripts {
		data, err := os.ReadFile(script)
		if err != nil {
			return "", fmt.Errorf("failed to read helper script: %w", err)
		}
		lines = append(lines, fmt.Sprintf("d_scripts[%s] = %s", strconv.Quote(filepath.Base(script)), strconv.Quote(string(data))))
	}
	if len(opts.Scripts) > 0 {
		lines = append(lines, scriptWriter)
	}
	lines = append(lines, string(content))

	target := opts.Target
	if target == "" {
		target = strings.TrimSuffix(path, ".py") + "_edited.py"
	}
	if err := os.WriteFile(target, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", target, err)
	}

	log.Info("prepared function script", "path", target, "variables", len(keys), "scripts", len(opts.Scripts))
	return target, nil
}
