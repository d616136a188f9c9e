package run

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/google/shlex"
)

// Template is a configured command line with ${VAR} placeholders. It is
// expanded first and tokenized second, so substituted values survive
// shell-style quoting in the template.
type Template string

// Expand substitutes vars into the template and splits it into a command
// name and arguments. Referencing a variable that is not provided is an
// error; silently dropping a placeholder would hand the tool a mangled
// command line.
func (t Template) Expand(vars map[string]string) (string, []string, error) {
	text := strings.TrimSpace(string(t))
	if text == "" {
		return "", nil, fmt.Errorf("empty command template")
	}

	var missing []string
	expanded := os.Expand(text, func(key string) string {
		value, ok := vars[key]
		if !ok {
			missing = append(missing, key)
			return ""
		}
		return value
	})
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", nil, fmt.Errorf("command template %q references undefined variables: %s", text, strings.Join(missing, ", "))
	}

	fields, err := shlex.Split(expanded)
	if err != nil {
		return "", nil, fmt.Errorf("tokenize command template %q: %w", text, err)
	}
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("command template %q expands to nothing", text)
	}
	return fields[0], fields[1:], nil
}

// ExpandArgv substitutes vars and returns every token. It serves
// templates that hold extra arguments for a command assembled
// elsewhere, where no token is a command name.
func (t Template) ExpandArgv(vars map[string]string) ([]string, error) {
	name, args, err := t.Expand(vars)
	if err != nil {
		return nil, err
	}
	return append([]string{name}, args...), nil
}

// IsZero reports whether the template is unset.
func (t Template) IsZero() bool {
	return strings.TrimSpace(string(t)) == ""
}
