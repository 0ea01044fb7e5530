package assets

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funnyzak/recproxy/internal/proxyerr"
)

const sampleSHA = "e4a4949a2b6cc2ff75afd0fe0d97cbcabf7b67b7"

// newSourceTree creates a fake source checkout with a .git marker and
// writes files relative to it.
func newSourceTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, ".git"), 0o755))
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return root
}

func descriptor(prefix, sha string) string {
	return `{
  "AssetsRepo": "Azure/azure-sdk-assets-integration",
  "AssetsRepoPrefixPath": "` + prefix + `",
  "AssetsRepoId": "",
  "AssetsRepoBranch": "scenario_clean_push",
  "SHA": "` + sha + `"
}
`
}

func TestEvaluateDirectory(t *testing.T) {
	root := newSourceTree(t, map[string]string{
		"assets.json":        descriptor("", sampleSHA),
		"sdk/storage/a.txt":  "x",
		"pipelines/mock.yml": "x",
	})

	eval := EvaluateDirectory(root)
	assert.True(t, eval.IsGitRoot)
	assert.True(t, eval.AssetsJSONPresent)
	assert.False(t, eval.IsRoot)

	eval = EvaluateDirectory(filepath.Join(root, "sdk", "storage"))
	assert.False(t, eval.IsGitRoot)
	assert.False(t, eval.AssetsJSONPresent)

	assert.True(t, EvaluateDirectory(string(filepath.Separator)).IsRoot)
}

func TestResolveAssetsJson(t *testing.T) {
	t.Run("finds nearest ancestor", func(t *testing.T) {
		root := newSourceTree(t, map[string]string{
			"assets.json":                 descriptor("", sampleSHA),
			"sdk/storage/assets.json":     descriptor("", sampleSHA),
			"sdk/storage/tests/readme.md": "x",
		})
		got, err := ResolveAssetsJson(filepath.Join(root, "sdk", "storage", "tests"))
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(root, "sdk", "storage", "assets.json"), got)

		got, err = ResolveAssetsJson(filepath.Join(root, "sdk"))
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(root, "assets.json"), got)
	})

	t.Run("file target is returned", func(t *testing.T) {
		root := newSourceTree(t, map[string]string{"other/assets.json": descriptor("", "")})
		target := filepath.Join(root, "other", "assets.json")
		got, err := ResolveAssetsJson(target)
		require.NoError(t, err)
		assert.Equal(t, target, got)
	})

	t.Run("stops at git root", func(t *testing.T) {
		root := newSourceTree(t, map[string]string{"sdk/storage/readme.md": "x"})
		_, err := ResolveAssetsJson(filepath.Join(root, "sdk", "storage"))
		require.Error(t, err)
		assert.ErrorIs(t, err, proxyerr.ErrAssetsConfigNotFound)
		assert.True(t, strings.HasPrefix(err.Error(), "Unable to locate an assets.json at"))
	})
}

func TestParseConfigurationFile(t *testing.T) {
	t.Run("valid with comments and trailing comma", func(t *testing.T) {
		root := newSourceTree(t, map[string]string{
			"folder1/folder2/assets.json": `{
  // pinned by the release pipeline
  "AssetsRepo": "Azure/azure-sdk-assets",
  "AssetsRepoPrefixPath": "python/recordings/",
  "SHA": "` + sampleSHA + `",
}`,
		})
		cfg, err := ParseConfigurationFile(filepath.Join(root, "folder1", "folder2"))
		require.NoError(t, err)
		assert.Equal(t, "Azure/azure-sdk-assets", cfg.AssetsRepo)
		assert.Equal(t, "python/recordings/", cfg.AssetsRepoPrefixPath)
		assert.Equal(t, sampleSHA, cfg.SHA)
		assert.Equal(t, root, cfg.RepoRoot)
		assert.Equal(t, filepath.Join("folder1", "folder2", "assets.json"), cfg.AssetsJSONRelativeLocation)
		assert.Equal(t, filepath.Join(root, "folder1", "folder2", "assets.json"), cfg.AssetsJSONLocation)
	})

	invalid := []struct {
		name    string
		content *string
		message string
	}{
		{name: "missing file", content: nil, message: "does not exist"},
		{name: "empty file", content: strPtr(""), message: "did not have valid json present"},
		{name: "empty object", content: strPtr("{}"), message: "did not have valid json present"},
		{name: "malformed", content: strPtr(`{"AssetsRepo": `), message: "did not have valid json present"},
		{name: "missing repo", content: strPtr(`{"SHA": "abc"}`), message: `must contain value for the key "AssetsRepo"`},
		{name: "blank repo", content: strPtr(`{"AssetsRepo": "   "}`), message: `must contain value for the key "AssetsRepo"`},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			root := newSourceTree(t, nil)
			location := filepath.Join(root, "assets.json")
			if tt.content != nil {
				require.NoError(t, os.WriteFile(location, []byte(*tt.content), 0o644))
			}
			_, err := ParseConfigurationFile(location)
			require.Error(t, err)
			assert.ErrorIs(t, err, proxyerr.ErrConfiguration)
			assert.Contains(t, err.Error(), tt.message)
			assert.Contains(t, err.Error(), location)
		})
	}
}

func TestResolveCheckoutPaths(t *testing.T) {
	tests := []struct {
		location string
		prefix   string
		want     string
	}{
		{location: "assets.json", prefix: "", want: "./"},
		{location: "assets.json", prefix: "python/recordings/", want: "python/recordings"},
		{location: "sdk/storage/assets.json", prefix: "", want: "sdk/storage"},
		{location: "sdk/storage/assets.json", prefix: "python/recordings/", want: "python/recordings/sdk/storage"},
	}
	for _, tt := range tests {
		t.Run(tt.location+"|"+tt.prefix, func(t *testing.T) {
			root := newSourceTree(t, map[string]string{tt.location: descriptor(tt.prefix, sampleSHA)})
			cfg, err := ParseConfigurationFile(filepath.Join(root, filepath.FromSlash(tt.location)))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ResolveCheckoutPaths(cfg))
		})
	}
}

func TestUpdateAssetsJson(t *testing.T) {
	t.Run("same sha leaves file untouched", func(t *testing.T) {
		root := newSourceTree(t, map[string]string{"assets.json": descriptor("", sampleSHA)})
		location := filepath.Join(root, "assets.json")
		old := time.Now().Add(-time.Hour).Truncate(time.Second)
		require.NoError(t, os.Chtimes(location, old, old))

		cfg, err := ParseConfigurationFile(location)
		require.NoError(t, err)
		require.NoError(t, UpdateAssetsJson(sampleSHA, cfg))

		info, err := os.Stat(location)
		require.NoError(t, err)
		assert.True(t, info.ModTime().Equal(old))
	})

	t.Run("replaces only the sha value", func(t *testing.T) {
		original := descriptor("python/recordings/", sampleSHA)
		root := newSourceTree(t, map[string]string{"assets.json": original})
		location := filepath.Join(root, "assets.json")
		cfg, err := ParseConfigurationFile(location)
		require.NoError(t, err)

		const fake = "fakeSha12345"
		require.NoError(t, UpdateAssetsJson(fake, cfg))
		assert.Equal(t, fake, cfg.SHA)

		data, err := os.ReadFile(location)
		require.NoError(t, err)
		assert.Equal(t, strings.Replace(original, sampleSHA, fake, 1), string(data))

		reparsed, err := ParseConfigurationFile(location)
		require.NoError(t, err)
		assert.Equal(t, fake, reparsed.SHA)
	})

	t.Run("skips commented and nested sha keys", func(t *testing.T) {
		original := "{\n" +
			"  // \"SHA\": \"old\",\n" +
			"  \"Meta\": {\"SHA\": \"nested\"},\n" +
			"  \"AssetsRepo\": \"org/assets\",\n" +
			"  \"SHA\": \"" + sampleSHA + "\"\n" +
			"}\n"
		root := newSourceTree(t, map[string]string{"assets.json": original})
		location := filepath.Join(root, "assets.json")
		cfg, err := ParseConfigurationFile(location)
		require.NoError(t, err)
		require.Equal(t, sampleSHA, cfg.SHA)

		require.NoError(t, UpdateAssetsJson("newsha", cfg))
		data, err := os.ReadFile(location)
		require.NoError(t, err)
		assert.Equal(t, strings.Replace(original, sampleSHA, "newsha", 1), string(data))
	})

	t.Run("adds a missing sha key", func(t *testing.T) {
		root := newSourceTree(t, map[string]string{"assets.json": "{\n  \"AssetsRepo\": \"org/assets\"\n}\n"})
		location := filepath.Join(root, "assets.json")
		cfg, err := ParseConfigurationFile(location)
		require.NoError(t, err)

		require.NoError(t, UpdateAssetsJson("abc123", cfg))
		reparsed, err := ParseConfigurationFile(location)
		require.NoError(t, err)
		assert.Equal(t, "abc123", reparsed.SHA)
		assert.Equal(t, "org/assets", reparsed.AssetsRepo)
	})
}

func TestShaValueSpan(t *testing.T) {
	tests := []struct {
		doc  string
		want string
		ok   bool
	}{
		{doc: `{"SHA": "abc"}`, want: "abc", ok: true},
		{doc: `{/* "SHA": "x" */ "SHA":"abc"}`, want: "abc", ok: true},
		{doc: `{"Note": "\"SHA\": \"x\"", "SHA": ""}`, want: "", ok: true},
		{doc: `{"List": [{"SHA": "x"}], "Other": "SHA"}`, ok: false},
		{doc: `{"SHA": null}`, ok: false},
	}
	for _, tt := range tests {
		start, end, ok := shaValueSpan([]byte(tt.doc))
		require.Equal(t, tt.ok, ok, tt.doc)
		if ok {
			assert.Equal(t, tt.want, tt.doc[start:end], tt.doc)
		}
	}
}

func strPtr(s string) *string { return &s }
