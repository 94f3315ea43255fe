package kernelspec

import (
	"os"
	"regexp"
	"sort"
	"strings"
)

// Template variables understood in argv and env values.
const (
	VarConnectionFile = "connection_file"
	VarResourceDir    = "resource_dir"
	VarPrefix         = "prefix"
)

// placeholderPattern matches {name} placeholders.
var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z_]\w*)\}`)

// Vars holds values substituted into argv and env templates.
type Vars map[string]string

// Command returns argv with placeholders substituted. {resource_dir}
// defaults to the spec's directory. Unknown placeholders are left as is.
func (s *Spec) Command(vars Vars) []string {
	vars = s.withDefaults(vars)
	out := make([]string, len(s.Argv))
	for i, arg := range s.Argv {
		out[i] = expand(arg, vars)
	}
	return out
}

// Environ returns base extended with the spec's env, substituted like argv.
// Spec entries override base entries with the same key.
func (s *Spec) Environ(base []string, vars Vars) []string {
	if len(s.Env) == 0 {
		return base
	}
	vars = s.withDefaults(vars)

	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(base)+len(keys))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if _, override := s.Env[name]; override {
			continue
		}
		out = append(out, kv)
	}
	for _, k := range keys {
		out = append(out, k+"="+os.Expand(expand(s.Env[k], vars), os.Getenv))
	}
	return out
}

// Placeholders lists the placeholder names used by argv, in order of first use.
func (s *Spec) Placeholders() []string {
	seen := map[string]bool{}
	var names []string
	for _, arg := range s.Argv {
		for _, m := range placeholderPattern.FindAllStringSubmatch(arg, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				names = append(names, m[1])
			}
		}
	}
	return names
}

func (s *Spec) withDefaults(vars Vars) Vars {
	merged := Vars{VarResourceDir: s.ResourceDir}
	for k, v := range vars {
		merged[k] = v
	}
	return merged
}

func expand(arg string, vars Vars) string {
	return placeholderPattern.ReplaceAllStringFunc(arg, func(match string) string {
		if v, ok := vars[match[1:len(match)-1]]; ok {
			return v
		}
		return match
	})
}
