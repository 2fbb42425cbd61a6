package file

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

// ExpandUser replaces a leading ~ or ~name with that user's home
// directory. Paths it cannot expand are returned unchanged.
func ExpandUser(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	rest := ""
	name := path[1:]
	if i := strings.IndexByte(name, '/'); i >= 0 {
		name, rest = name[:i], name[i:]
	}

	var home string
	if name == "" {
		home, _ = os.UserHomeDir()
	} else if u, err := user.Lookup(name); err == nil {
		home = u.HomeDir
	}
	if home == "" {
		return path
	}
	return filepath.Join(home, rest)
}
