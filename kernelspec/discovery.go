package kernelspec

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// Catalog finds kernel specs over an ordered list of search paths.
// Each path is a "kernels" directory whose subdirectories are specs.
type Catalog struct {
	paths  []string
	logger *slog.Logger
}

// NewCatalog creates a catalog over paths. With no paths, DefaultPaths is used.
func NewCatalog(paths ...string) *Catalog {
	if len(paths) == 0 {
		paths = DefaultPaths()
	}
	return &Catalog{
		paths:  paths,
		logger: slog.Default(),
	}
}

// WithLogger sets the logger used for skipped specs.
func (c *Catalog) WithLogger(logger *slog.Logger) *Catalog {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// Paths returns the search paths in priority order.
func (c *Catalog) Paths() []string {
	return append([]string(nil), c.paths...)
}

// List returns every discoverable spec sorted by name. When two paths hold
// the same name the earlier path wins. Paths that do not exist are skipped;
// a path that exists but cannot be read fails with ErrSpecDiscoveryFailed.
// Individual kernel.json files that fail to parse are logged and skipped.
func (c *Catalog) List() ([]*Spec, error) {
	found := map[string]*Spec{}

	for _, dir := range c.paths {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("%w: %s: %v", ErrSpecDiscoveryFailed, dir, err)
		}

		for _, entry := range entries {
			if !isDirEntry(dir, entry) {
				continue
			}

			name := strings.ToLower(entry.Name())
			if _, shadowed := found[name]; shadowed {
				continue
			}

			specPath := filepath.Join(dir, entry.Name(), FileName)
			if !fileExists(specPath) {
				continue
			}

			spec, err := ParseFile(specPath)
			if err != nil {
				// Log warning but continue discovering other specs
				c.logger.Warn("skipping kernel spec",
					slog.String("path", specPath),
					slog.Any("error", err))
				continue
			}
			found[name] = spec
		}
	}

	specs := make([]*Spec, 0, len(found))
	for _, spec := range found {
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool {
		return specs[i].Name < specs[j].Name
	})
	return specs, nil
}

// Get returns the named spec. Names are case-insensitive.
func (c *Catalog) Get(name string) (*Spec, error) {
	specs, err := c.List()
	if err != nil {
		return nil, err
	}
	name = strings.ToLower(name)
	for _, spec := range specs {
		if spec.Name == name {
			return spec, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrSpecNotFound, name)
}

// DefaultPaths returns the standard kernel search paths: $JUPYTER_PATH
// entries, the user data directory, active environment prefixes, then the
// system directories.
func DefaultPaths() []string {
	var paths []string
	add := func(dataDir string) {
		if dataDir == "" {
			return
		}
		p := filepath.Join(dataDir, "kernels")
		for _, existing := range paths {
			if existing == p {
				return
			}
		}
		paths = append(paths, p)
	}

	for _, dir := range filepath.SplitList(os.Getenv("JUPYTER_PATH")) {
		add(dir)
	}
	add(UserDataDir())
	for _, env := range []string{"CONDA_PREFIX", "VIRTUAL_ENV"} {
		if prefix := os.Getenv(env); prefix != "" {
			add(filepath.Join(prefix, "share", "jupyter"))
		}
	}
	if runtime.GOOS == "windows" {
		add(filepath.Join(os.Getenv("PROGRAMDATA"), "jupyter"))
	} else {
		add("/usr/local/share/jupyter")
		add("/usr/share/jupyter")
	}
	return paths
}

// UserDataDir returns the per-user Jupyter data directory.
func UserDataDir() string {
	if dir := os.Getenv("JUPYTER_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Jupyter")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "jupyter")
		}
		return filepath.Join(home, "AppData", "Roaming", "jupyter")
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, "jupyter")
		}
		return filepath.Join(home, ".local", "share", "jupyter")
	}
}

// isDirEntry follows symlinks, since kernels are often linked into place.
func isDirEntry(dir string, entry os.DirEntry) bool {
	if entry.IsDir() {
		return true
	}
	if entry.Type()&os.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(filepath.Join(dir, entry.Name()))
	return err == nil && info.IsDir()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
