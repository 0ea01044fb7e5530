package assets

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/ohler55/ojg/sen"

	"github.com/funnyzak/recproxy/internal/proxyerr"
)

// AssetsJSONName is the conventional descriptor file name.
const AssetsJSONName = "assets.json"

// Configuration is one parsed assets.json.
type Configuration struct {
	AssetsRepo           string `yaml:"AssetsRepo"`
	AssetsRepoID         string `yaml:"AssetsRepoId,omitempty"`
	AssetsRepoBranch     string `yaml:"AssetsRepoBranch,omitempty"`
	AssetsRepoPrefixPath string `yaml:"AssetsRepoPrefixPath,omitempty"`
	SHA                  string `yaml:"SHA,omitempty"`

	// AssetsJSONLocation is the absolute path of the descriptor.
	AssetsJSONLocation string `yaml:"AssetsJsonLocation"`
	// AssetsJSONRelativeLocation is the descriptor path relative to RepoRoot.
	AssetsJSONRelativeLocation string `yaml:"AssetsJsonRelativeLocation"`
	// RepoRoot is the enclosing source checkout (nearest .git), or the
	// descriptor's directory when there is none.
	RepoRoot string `yaml:"RepoRoot"`
}

// DirectoryEvaluation describes one step of the upward assets.json search.
type DirectoryEvaluation struct {
	IsGitRoot         bool
	AssetsJSONPresent bool
	IsRoot            bool
}

// EvaluateDirectory inspects dir for a .git entry and an assets.json.
func EvaluateDirectory(dir string) DirectoryEvaluation {
	dir = filepath.Clean(dir)
	return DirectoryEvaluation{
		IsGitRoot:         exists(filepath.Join(dir, ".git")),
		AssetsJSONPresent: isFile(filepath.Join(dir, AssetsJSONName)),
		IsRoot:            filepath.Dir(dir) == dir,
	}
}

// ResolveAssetsJson returns the nearest assets.json at or above target.
// A target that is itself a file is returned as is. The search stops at
// the first git root or at the filesystem root.
func ResolveAssetsJson(target string) (string, error) {
	abs, err := filepath.Abs(target)
	if err != nil {
		return "", proxyerr.ConfigNotFound(target)
	}
	if isFile(abs) {
		return abs, nil
	}
	if !isDir(abs) {
		return "", proxyerr.ConfigNotFound(abs)
	}

	dir := abs
	for {
		eval := EvaluateDirectory(dir)
		if eval.AssetsJSONPresent {
			return filepath.Join(dir, AssetsJSONName), nil
		}
		if eval.IsGitRoot || eval.IsRoot {
			return "", proxyerr.ConfigNotFound(abs)
		}
		dir = filepath.Dir(dir)
	}
}

// ParseConfigurationFile reads an assets.json. target may be the file or
// the directory holding it.
func ParseConfigurationFile(target string) (*Configuration, error) {
	location := target
	if isDir(location) {
		location = filepath.Join(location, AssetsJSONName)
	}
	abs, err := filepath.Abs(location)
	if err == nil {
		location = abs
	}

	if strings.TrimSpace(target) == "" || !isFile(location) {
		return nil, proxyerr.Configuration(location, "The provided assets json path of %s does not exist.", location)
	}

	data, err := os.ReadFile(location)
	if err != nil {
		return nil, proxyerr.AssetIO(location, err, "unable to read %s", location)
	}

	invalid := proxyerr.Configuration(location, "The provided assets json at %s did not have valid json present.", location)
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, invalid
	}
	doc, err := sen.Parse(data)
	if err != nil {
		invalid.Err = err
		return nil, invalid
	}
	fields, ok := doc.(map[string]any)
	if !ok || len(fields) == 0 {
		return nil, invalid
	}

	cfg := &Configuration{
		AssetsRepo:           strings.TrimSpace(stringField(fields, "AssetsRepo")),
		AssetsRepoID:         stringField(fields, "AssetsRepoId"),
		AssetsRepoBranch:     stringField(fields, "AssetsRepoBranch"),
		AssetsRepoPrefixPath: stringField(fields, "AssetsRepoPrefixPath"),
		SHA:                  strings.TrimSpace(stringField(fields, "SHA")),
		AssetsJSONLocation:   location,
	}
	if cfg.AssetsRepo == "" {
		return nil, proxyerr.Configuration(location, `The provided assets json at %s must contain value for the key "AssetsRepo".`, location)
	}

	cfg.RepoRoot = findGitRoot(filepath.Dir(location))
	rel, err := filepath.Rel(cfg.RepoRoot, location)
	if err != nil {
		rel = AssetsJSONName
	}
	cfg.AssetsJSONRelativeLocation = rel
	return cfg, nil
}

// ResolveCheckoutPaths returns the slash separated directory inside the
// assets repository that mirrors the descriptor's place in the source
// tree, including the optional prefix. The repository root is "./".
func ResolveCheckoutPaths(cfg *Configuration) string {
	rel := filepath.ToSlash(filepath.Dir(cfg.AssetsJSONRelativeLocation))
	if rel == "." {
		rel = ""
	}
	prefix := strings.Trim(filepath.ToSlash(strings.TrimSpace(cfg.AssetsRepoPrefixPath)), "/")
	combined := strings.Trim(path.Join(prefix, rel), "/")
	if combined == "" || combined == "." {
		return "./"
	}
	return combined
}

// shaValueSpan returns the byte range between the quotes of the top level
// "SHA" string value. Comments and nested values are skipped.
func shaValueSpan(data []byte) (int, int, bool) {
	depth := 0
	isSHA, afterColon := false, false
	for i := 0; i < len(data); i++ {
		switch c := data[i]; {
		case c == '/' && i+1 < len(data) && data[i+1] == '/':
			for i < len(data) && data[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(data) && data[i+1] == '*':
			end := bytes.Index(data[i+2:], []byte("*/"))
			if end < 0 {
				return 0, 0, false
			}
			i += end + 3
		case c == '"':
			end := stringEnd(data, i)
			if end < 0 {
				return 0, 0, false
			}
			if depth == 1 {
				if afterColon && isSHA {
					return i + 1, end, true
				}
				if !afterColon {
					isSHA = string(data[i+1:end]) == "SHA"
				}
			}
			i = end
		case c == ':' && depth == 1:
			afterColon = true
		case c == ',' && depth == 1:
			isSHA, afterColon = false, false
		case c == '{' || c == '[':
			depth++
		case c == '}' || c == ']':
			depth--
		}
	}
	return 0, 0, false
}

// stringEnd returns the index of the quote closing the string opened at
// start, or -1.
func stringEnd(data []byte, start int) int {
	for j := start + 1; j < len(data); j++ {
		switch data[j] {
		case '\\':
			j++
		case '"':
			return j
		}
	}
	return -1
}

// UpdateAssetsJson rewrites only the SHA value of the descriptor in place.
// It does nothing when the SHA is unchanged.
func UpdateAssetsJson(newSHA string, cfg *Configuration) error {
	if cfg.SHA == newSHA {
		return nil
	}
	info, err := os.Stat(cfg.AssetsJSONLocation)
	if err != nil {
		return proxyerr.AssetIO(cfg.AssetsJSONLocation, err, "unable to stat %s", cfg.AssetsJSONLocation)
	}
	data, err := os.ReadFile(cfg.AssetsJSONLocation)
	if err != nil {
		return proxyerr.AssetIO(cfg.AssetsJSONLocation, err, "unable to read %s", cfg.AssetsJSONLocation)
	}

	var updated []byte
	if start, end, ok := shaValueSpan(data); ok {
		updated = make([]byte, 0, len(data)+len(newSHA))
		updated = append(updated, data[:start]...)
		updated = append(updated, newSHA...)
		updated = append(updated, data[end:]...)
	} else {
		updated, err = insertSHA(data, newSHA)
		if err != nil {
			return proxyerr.Configuration(cfg.AssetsJSONLocation, "unable to add SHA to %s: %v", cfg.AssetsJSONLocation, err)
		}
	}

	if err := os.WriteFile(cfg.AssetsJSONLocation, updated, info.Mode().Perm()); err != nil {
		return proxyerr.AssetIO(cfg.AssetsJSONLocation, err, "unable to write %s", cfg.AssetsJSONLocation)
	}
	cfg.SHA = newSHA
	return nil
}

// insertSHA adds the key before the closing brace of the top level object.
func insertSHA(data []byte, sha string) ([]byte, error) {
	end := bytes.LastIndexByte(data, '}')
	if end < 0 {
		return nil, errors.New("no closing brace")
	}
	head := bytes.TrimRight(data[:end], " \t\r\n")
	sep := ","
	if len(head) == 0 || head[len(head)-1] == '{' || head[len(head)-1] == ',' {
		sep = ""
	}
	var b bytes.Buffer
	b.Write(head)
	b.WriteString(sep)
	fmt.Fprintf(&b, "\n  \"SHA\": %q\n", sha)
	b.Write(data[end:])
	return b.Bytes(), nil
}

func stringField(fields map[string]any, key string) string {
	v, ok := fields[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func findGitRoot(start string) string {
	dir := filepath.Clean(start)
	for {
		if exists(filepath.Join(dir, ".git")) {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return filepath.Clean(start)
		}
		dir = parent
	}
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func isFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

func isDir(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}
