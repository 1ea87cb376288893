// Package repo implements the repository source (GitHub REST) and the pure
// merge helpers of the repository sync protocol. Fetched file sets arrive
// already ignore-filtered and stripped of binary files; undecodable content
// is replaced per file by a sentinel string so one bad file never aborts a
// load.
package repo

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kerimsiter/atrochat/internal/logger"
	"github.com/kerimsiter/atrochat/pkg/chattypes"
)

// ErrInvalidRepoURL is returned for locators that are not GitHub repo URLs.
var ErrInvalidRepoURL = errors.New("invalid GitHub repository URL")

var repoURLPattern = regexp.MustCompile(`github\.com/([^/\s]+)/([^/\s]+)`)

// ParseRepoURL extracts owner and repository name from a GitHub URL.
func ParseRepoURL(locator string) (owner, repo string, err error) {
	m := repoURLPattern.FindStringSubmatch(locator)
	if m == nil {
		return "", "", ErrInvalidRepoURL
	}
	return m[1], strings.TrimSuffix(m[2], ".git"), nil
}

// GitHub is a chattypes.RepoSource backed by the GitHub REST API.
type GitHub struct {
	token   string
	client  *http.Client
	baseURL string
}

// NewGitHub creates a source. The token is optional; unauthenticated
// requests work for public repositories within rate limits.
func NewGitHub(token string) *GitHub {
	return &GitHub{
		token:   token,
		client:  &http.Client{Timeout: 60 * time.Second},
		baseURL: "https://api.github.com",
	}
}

// NewGitHubWithBaseURL creates a source against a custom API endpoint.
// Used by tests and GitHub Enterprise setups.
func NewGitHubWithBaseURL(token, baseURL string) *GitHub {
	g := NewGitHub(token)
	g.baseURL = strings.TrimSuffix(baseURL, "/")
	return g
}

func (g *GitHub) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("github API %s returned status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type repoInfo struct {
	DefaultBranch string `json:"default_branch"`
}

type branchInfo struct {
	Commit struct {
		SHA    string `json:"sha"`
		Commit struct {
			Tree struct {
				SHA string `json:"sha"`
			} `json:"tree"`
		} `json:"commit"`
	} `json:"commit"`
}

type treeEntry struct {
	Path string `json:"path"`
	SHA  string `json:"sha"`
	Type string `json:"type"`
}

type treeResponse struct {
	Truncated bool        `json:"truncated"`
	Tree      []treeEntry `json:"tree"`
}

type blobResponse struct {
	Content string `json:"content"`
}

type compareFile struct {
	Filename string `json:"filename"`
	Status   string `json:"status"`
}

type compareResponse struct {
	Files []compareFile `json:"files"`
}

// FetchAll returns the full text file set of the repository's default branch
// head, honoring every .gitignore in the tree and skipping binary types.
func (g *GitHub) FetchAll(ctx context.Context, locator string) (*chattypes.RepoSnapshot, error) {
	owner, repo, err := ParseRepoURL(locator)
	if err != nil {
		return nil, err
	}

	headSHA, treeSHA, err := g.headOfDefaultBranch(ctx, owner, repo)
	if err != nil {
		return nil, err
	}

	var tree treeResponse
	if err := g.getJSON(ctx, fmt.Sprintf("/repos/%s/%s/git/trees/%s?recursive=1", owner, repo, treeSHA), &tree); err != nil {
		return nil, fmt.Errorf("failed to fetch repository tree: %w", err)
	}
	if tree.Truncated {
		logger.Warn("Repository tree is truncated, some files may be missing", "repo", owner+"/"+repo)
	}

	rules, err := g.collectIgnoreRules(ctx, owner, repo, tree.Tree)
	if err != nil {
		return nil, err
	}

	var files []chattypes.ProjectFile
	for _, entry := range tree.Tree {
		if entry.Type != "blob" || rules.ignored(entry.Path) || isBinaryPath(entry.Path) {
			continue
		}
		files = append(files, chattypes.ProjectFile{
			Path:    entry.Path,
			Content: g.fetchBlob(ctx, owner, repo, entry.SHA),
		})
	}

	logger.Debug("Repository snapshot fetched", "repo", owner+"/"+repo, "files", len(files), "revision", headSHA)
	return &chattypes.RepoSnapshot{Files: files, RevisionMarker: headSHA}, nil
}

// FetchDelta compares sinceMarker with the current default branch head and
// returns the classified file changes, with fresh content for added and
// modified files.
func (g *GitHub) FetchDelta(ctx context.Context, locator string, sinceMarker string) (*chattypes.RepoDelta, error) {
	owner, repo, err := ParseRepoURL(locator)
	if err != nil {
		return nil, err
	}

	headSHA, _, err := g.headOfDefaultBranch(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	if headSHA == sinceMarker {
		return &chattypes.RepoDelta{RevisionMarker: headSHA, HasChanges: false}, nil
	}

	var compare compareResponse
	if err := g.getJSON(ctx, fmt.Sprintf("/repos/%s/%s/compare/%s...%s", owner, repo, sinceMarker, headSHA), &compare); err != nil {
		return nil, fmt.Errorf("failed to compare revisions: %w", err)
	}

	delta := &chattypes.RepoDelta{RevisionMarker: headSHA, HasChanges: true}
	for _, file := range compare.Files {
		// The full-snapshot filters apply to deltas too; a change to a
		// binary file never reaches the context.
		if isBinaryPath(file.Filename) {
			continue
		}
		switch file.Status {
		case "added":
			delta.Added = append(delta.Added, g.fetchContent(ctx, owner, repo, file.Filename, headSHA))
		case "modified":
			delta.Modified = append(delta.Modified, g.fetchContent(ctx, owner, repo, file.Filename, headSHA))
		case "removed":
			delta.Removed = append(delta.Removed, file.Filename)
		}
	}
	return delta, nil
}

func (g *GitHub) headOfDefaultBranch(ctx context.Context, owner, repo string) (headSHA, treeSHA string, err error) {
	var info repoInfo
	if err := g.getJSON(ctx, fmt.Sprintf("/repos/%s/%s", owner, repo), &info); err != nil {
		return "", "", fmt.Errorf("failed to fetch repository info: %w", err)
	}

	var branch branchInfo
	if err := g.getJSON(ctx, fmt.Sprintf("/repos/%s/%s/branches/%s", owner, repo, info.DefaultBranch), &branch); err != nil {
		return "", "", fmt.Errorf("failed to fetch default branch: %w", err)
	}
	return branch.Commit.SHA, branch.Commit.Commit.Tree.SHA, nil
}

// collectIgnoreRules fetches every .gitignore in the tree and compiles its
// rules, shallower files first so deeper ones take precedence.
func (g *GitHub) collectIgnoreRules(ctx context.Context, owner, repo string, entries []treeEntry) (*ruleSet, error) {
	type ignoreFile struct {
		basePath string
		content  string
	}

	var ignores []ignoreFile
	for _, entry := range entries {
		if entry.Type != "blob" || !strings.HasSuffix(entry.Path, ".gitignore") {
			continue
		}
		if base := strings.TrimSuffix(entry.Path, ".gitignore"); base != "" && !strings.HasSuffix(base, "/") {
			continue // some other file ending in .gitignore
		}
		basePath := ""
		if idx := strings.LastIndex(entry.Path, "/"); idx >= 0 {
			basePath = entry.Path[:idx]
		}
		ignores = append(ignores, ignoreFile{basePath: basePath, content: g.fetchBlob(ctx, owner, repo, entry.SHA)})
	}
	sort.Slice(ignores, func(i, j int) bool { return len(ignores[i].basePath) < len(ignores[j].basePath) })

	rules := newRuleSet()
	for _, f := range ignores {
		rules.addFile(f.content, f.basePath)
	}
	return rules, nil
}

// Decode failure sentinels. These land in ProjectFile.Content so a single
// unreadable file degrades to a visible placeholder instead of aborting the
// whole fetch.
const (
	sentinelUndecodable = "Hata: Dosya içeriği okunamadı (muhtemelen metin dosyası değil)."
	sentinelFetchFailed = "Hata: İçerik alınamadı."
)

func (g *GitHub) fetchBlob(ctx context.Context, owner, repo, sha string) string {
	var blob blobResponse
	if err := g.getJSON(ctx, fmt.Sprintf("/repos/%s/%s/git/blobs/%s", owner, repo, sha), &blob); err != nil {
		logger.Debug("Blob fetch failed", "sha", sha, "error", err)
		return sentinelFetchFailed
	}
	return decodeBase64Content(blob.Content)
}

func (g *GitHub) fetchContent(ctx context.Context, owner, repo, path, ref string) chattypes.ProjectFile {
	var blob blobResponse
	if err := g.getJSON(ctx, fmt.Sprintf("/repos/%s/%s/contents/%s?ref=%s", owner, repo, path, ref), &blob); err != nil {
		logger.Debug("Content fetch failed", "path", path, "error", err)
		return chattypes.ProjectFile{Path: path, Content: sentinelFetchFailed}
	}
	return chattypes.ProjectFile{Path: path, Content: decodeBase64Content(blob.Content)}
}

// decodeBase64Content decodes the newline-wrapped base64 the GitHub API
// returns, replacing non-UTF-8 results with the undecodable sentinel.
func decodeBase64Content(content string) string {
	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(content, "\n", ""))
	if err != nil {
		return sentinelUndecodable
	}
	if !utf8.Valid(raw) {
		return sentinelUndecodable
	}
	return string(raw)
}
