package repo

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRepoURL(t *testing.T) {
	owner, repo, err := ParseRepoURL("https://github.com/kerimsiter/atrochat")
	require.NoError(t, err)
	assert.Equal(t, "kerimsiter", owner)
	assert.Equal(t, "atrochat", repo)

	owner, repo, err = ParseRepoURL("git clone https://github.com/foo/bar.git")
	require.NoError(t, err)
	assert.Equal(t, "foo", owner)
	assert.Equal(t, "bar", repo)

	_, _, err = ParseRepoURL("https://gitlab.com/foo/bar")
	assert.ErrorIs(t, err, ErrInvalidRepoURL)
}

func TestIgnoreRules(t *testing.T) {
	rules := newRuleSet()
	rules.addFile("dist/\n*.log\n!keep.log\n# yorum satırı\n", "")
	rules.addFile("fixtures/", "testdata")

	assert.True(t, rules.ignored("node_modules/react/index.js"), "default ignores apply")
	assert.True(t, rules.ignored(".env.local"))
	assert.True(t, rules.ignored("dist/bundle.js"))
	assert.True(t, rules.ignored("debug.log"))
	assert.False(t, rules.ignored("keep.log"), "negation wins as the last matching rule")
	assert.True(t, rules.ignored("testdata/fixtures/big.json"), "nested .gitignore is anchored at its directory")
	assert.False(t, rules.ignored("src/main.go"))
}

func TestIsBinaryPath(t *testing.T) {
	assert.True(t, isBinaryPath("assets/logo.png"))
	assert.True(t, isBinaryPath("yarn.lock"))
	assert.False(t, isBinaryPath("main.go"))
	assert.False(t, isBinaryPath("Makefile"))
}

func TestDecodeBase64Content(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("package main\n"))
	// The GitHub API wraps base64 at 60 columns; newlines must be tolerated.
	wrapped := encoded[:8] + "\n" + encoded[8:]
	assert.Equal(t, "package main\n", decodeBase64Content(wrapped))

	binary := base64.StdEncoding.EncodeToString([]byte{0xff, 0xfe, 0x00, 0x01})
	assert.Equal(t, sentinelUndecodable, decodeBase64Content(binary))

	assert.Equal(t, sentinelUndecodable, decodeBase64Content("bu base64 değil!!!"))
}

// fakeGitHub serves just enough of the REST surface for a delta fetch.
func fakeGitHub(t *testing.T, baseSHA, headSHA string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/o/r", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"default_branch":"main"}`)
	})
	mux.HandleFunc("/repos/o/r/branches/main", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"commit":{"sha":%q,"commit":{"tree":{"sha":"tree1"}}}}`, headSHA)
	})
	mux.HandleFunc("/repos/o/r/compare/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"files":[
			{"filename":"added.ts","status":"added"},
			{"filename":"changed.ts","status":"modified"},
			{"filename":"gone.ts","status":"removed"},
			{"filename":"logo.png","status":"modified"}
		]}`)
	})
	mux.HandleFunc("/repos/o/r/contents/", func(w http.ResponseWriter, r *http.Request) {
		content := base64.StdEncoding.EncodeToString([]byte("içerik: " + r.URL.Path))
		fmt.Fprintf(w, `{"content":%q}`, content)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestFetchDelta_NoChanges(t *testing.T) {
	server := fakeGitHub(t, "sha1", "sha1")
	source := NewGitHubWithBaseURL("", server.URL)

	delta, err := source.FetchDelta(context.Background(), "https://github.com/o/r", "sha1")
	require.NoError(t, err)
	assert.False(t, delta.HasChanges)
	assert.Equal(t, "sha1", delta.RevisionMarker)
}

func TestFetchDelta_ClassifiesAndFiltersBinary(t *testing.T) {
	server := fakeGitHub(t, "sha1", "sha2")
	source := NewGitHubWithBaseURL("", server.URL)

	delta, err := source.FetchDelta(context.Background(), "https://github.com/o/r", "sha1")
	require.NoError(t, err)
	assert.True(t, delta.HasChanges)
	assert.Equal(t, "sha2", delta.RevisionMarker)

	require.Len(t, delta.Added, 1)
	assert.Equal(t, "added.ts", delta.Added[0].Path)
	require.Len(t, delta.Modified, 1)
	assert.Equal(t, "changed.ts", delta.Modified[0].Path)
	assert.Equal(t, []string{"gone.ts"}, delta.Removed)
}
