package source

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fwkit/mpdeploy/internal/compiler"
)

// SourceExt is the extension of an uncompiled module.
const SourceExt = ".py"

// DiscoverFiles finds all files in the specified directory tree. Hidden
// files and directories (names starting with ".") are skipped.
func DiscoverFiles(dir string) ([]string, error) {
	var files []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		// Skip hidden files and directories (e.g. .git, .env)
		if path != dir && strings.HasPrefix(info.Name(), ".") {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if !info.IsDir() {
			files = append(files, path)
		}
		return nil
	})

	if err != nil {
		return nil, err
	}

	return files, nil
}

// DiscoverPython finds all Python source files in the directory tree.
func DiscoverPython(dir string) ([]string, error) {
	all, err := DiscoverFiles(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, path := range all {
		if IsPython(path) {
			files = append(files, path)
		}
	}
	return files, nil
}

// IsPython returns true for uncompiled module files.
func IsPython(path string) bool {
	return filepath.Ext(path) == SourceExt
}

// NameFor reverses the compiled extension change, mapping an artifact name
// back to its originally declared source name. Names that are not
// artifacts pass through unchanged.
func NameFor(name string) string {
	if strings.HasSuffix(name, compiler.ArtifactExt) {
		return strings.TrimSuffix(name, compiler.ArtifactExt) + SourceExt
	}
	return name
}

// LocalPath joins a slash-separated relative name under baseDir using the
// platform separator.
func LocalPath(baseDir, name string) string {
	return filepath.Join(baseDir, filepath.FromSlash(name))
}

// RelativePath returns the relative path from baseDir to target, using
// forward slashes so module identifiers match across platforms.
func RelativePath(baseDir, target string) (string, error) {
	rel, err := filepath.Rel(baseDir, target)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// Resolve searches for name under the primary root, then each fallback
// root in listed order. The first existing match wins; an empty string
// means the module has no resolvable source.
func Resolve(name, primary string, fallbacks []string) string {
	candidates := make([]string, 0, 1+len(fallbacks))
	candidates = append(candidates, filepath.Join(primary, name))
	for _, root := range fallbacks {
		candidates = append(candidates, filepath.Join(root, name))
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}
