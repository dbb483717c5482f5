// Package rules resolves per-repo agent configuration from three layers:
// built-in defaults, the org's engineering repo, and the target repo.
// Most specific wins. Prose guidelines are concatenated, not merged.
package rules

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/conveyorhq/conveyor/internal/config"
)

const (
	configPath       = ".conveyor/config.yml"
	rulesPath        = ".conveyor/rules.md"
	archOverviewPath = "architecture/overview.md"
	archReposPath    = "architecture/repos.md"
	decisionsDir     = "decisions"
)

// ContentSource fetches files from repos. Interface for testing; the
// github Client satisfies it.
type ContentSource interface {
	GetFileContent(repo, path string) string
	ListDir(repo, path string) []string
}

// RepoInfo is one entry of the engineering repo's repository catalog.
type RepoInfo struct {
	Name    string
	Purpose string
	Stack   string
	Domain  string
	Owner   string
}

// ResolvedRules is the merged configuration for one repo context.
type ResolvedRules struct {
	BranchPattern       string
	CommitFormat        string
	NotifyTeam          string
	RequiredReviewers   map[string][]string
	EntryLabel          string
	AgentContext        string
	ArchitectureContext string
	RepoCatalog         []RepoInfo
}

func defaults(cfg *config.Config) map[string]any {
	return map[string]any{
		"branch_pattern": "{issue_number}/{description}",
		"commit_format":  "#{issue_number} - {description}",
		"notify_team":    "",
		"required_reviewers": map[string]any{
			"default": []any{},
		},
		"labels": map[string]any{
			"entry": cfg.GitHub.EntryLabel,
		},
	}
}

// Resolver loads and merges the three rule layers. It holds no cache;
// rules are re-fetched per dispatch so edits take effect immediately.
type Resolver struct {
	src ContentSource
	cfg *config.Config
	log *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(src ContentSource, cfg *config.Config) *Resolver {
	return &Resolver{src: src, cfg: cfg, log: slog.Default()}
}

// Resolve merges defaults, the engineering repo's layer, and the target
// repo's layer (skipped when the target is the engineering repo itself).
// repo is the bare repo name within the configured org.
func (r *Resolver) Resolve(repo string) *ResolvedRules {
	merged := defaults(r.cfg)

	engRepo := r.cfg.EngineeringRepoFull()
	orgConfig, orgRules := r.loadLayer(engRepo)
	merged = mergeConfig(merged, orgConfig)

	archContext := r.loadOrgContext(engRepo)

	var repoRules string
	if repo != r.cfg.GitHub.EngineeringRepo {
		full := r.cfg.GitHub.Org + "/" + repo
		repoConfig, md := r.loadLayer(full)
		merged = mergeConfig(merged, repoConfig)
		repoRules = md
	}

	resolved := &ResolvedRules{
		BranchPattern:       getString(merged, "branch_pattern", "{issue_number}/{description}"),
		CommitFormat:        getString(merged, "commit_format", "#{issue_number} - {description}"),
		NotifyTeam:          getString(merged, "notify_team", r.cfg.GitHub.NotifyTeam),
		RequiredReviewers:   getReviewers(merged),
		EntryLabel:          r.cfg.GitHub.EntryLabel,
		AgentContext:        mergeAgentContext(orgRules, repoRules, archContext),
		ArchitectureContext: archContext,
		RepoCatalog:         parseRepoCatalog(archContext),
	}
	if labels, ok := merged["labels"].(map[string]any); ok {
		if entry, ok := labels["entry"].(string); ok && entry != "" {
			resolved.EntryLabel = entry
		}
	}
	if resolved.NotifyTeam == "" {
		resolved.NotifyTeam = r.cfg.GitHub.NotifyTeam
	}
	return resolved
}

// loadLayer fetches one repo's config.yml and rules.md. Missing files and
// bad YAML degrade to empty, never block a dispatch.
func (r *Resolver) loadLayer(fullRepo string) (map[string]any, string) {
	var parsed map[string]any
	if raw := r.src.GetFileContent(fullRepo, configPath); raw != "" {
		if err := yaml.Unmarshal([]byte(raw), &parsed); err != nil {
			r.log.Warn("unparseable rules config", "repo", fullRepo, "error", err)
			parsed = nil
		}
	}
	return parsed, r.src.GetFileContent(fullRepo, rulesPath)
}

func (r *Resolver) loadOrgContext(engRepo string) string {
	var parts []string
	if overview := r.src.GetFileContent(engRepo, archOverviewPath); overview != "" {
		parts = append(parts, "## System Architecture\n\n"+strings.TrimSpace(overview))
	}
	if repos := r.src.GetFileContent(engRepo, archReposPath); repos != "" {
		parts = append(parts, "## Repository Catalog\n\n"+strings.TrimSpace(repos))
	}
	return strings.Join(parts, "\n\n")
}

// SearchDecisions returns the concatenated content of decision records
// whose filenames match any keyword.
func (r *Resolver) SearchDecisions(keywords []string) string {
	engRepo := r.cfg.EngineeringRepoFull()
	var matched []string
	for _, name := range r.src.ListDir(engRepo, decisionsDir) {
		if !strings.HasSuffix(name, ".md") {
			continue
		}
		lower := strings.ToLower(name)
		for _, kw := range keywords {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				if content := r.src.GetFileContent(engRepo, decisionsDir+"/"+name); content != "" {
					matched = append(matched, strings.TrimSpace(content))
				}
				break
			}
		}
	}
	return strings.Join(matched, "\n\n---\n\n")
}

// mergeConfig deep-merges overlay into base. Nested maps merge key by key;
// everything else, lists included, is replaced wholesale.
func mergeConfig(base, overlay map[string]any) map[string]any {
	merged := make(map[string]any, len(base))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		if bm, ok := merged[k].(map[string]any); ok {
			if om, ok := v.(map[string]any); ok {
				merged[k] = mergeConfig(bm, om)
				continue
			}
		}
		merged[k] = v
	}
	return merged
}

func mergeAgentContext(orgRules, repoRules, archContext string) string {
	var parts []string
	if archContext != "" {
		parts = append(parts, "# Architecture\n\n"+strings.TrimSpace(archContext))
	}
	if orgRules != "" {
		parts = append(parts, "# Organization Guidelines\n\n"+strings.TrimSpace(orgRules))
	}
	if repoRules != "" {
		parts = append(parts, "# Repository Guidelines\n\n"+strings.TrimSpace(repoRules))
	}
	return strings.Join(parts, "\n\n---\n\n")
}

func getString(m map[string]any, key, def string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return def
}

// getReviewers normalizes required_reviewers: a bare list becomes the
// "default" group.
func getReviewers(m map[string]any) map[string][]string {
	out := map[string][]string{}
	switch v := m["required_reviewers"].(type) {
	case map[string]any:
		for group, val := range v {
			out[group] = toStrings(val)
		}
	case []any:
		out["default"] = toStrings(v)
	}
	return out
}

func toStrings(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		out = append(out, fmt.Sprint(item))
	}
	return out
}

var (
	catalogRe     = regexp.MustCompile(`(?s)## Repository Catalog\s*\n(.*)`)
	entryHeaderRe = regexp.MustCompile(`(?m)^## (\S+)`)
	catalogFields = []struct {
		name string
		re   *regexp.Regexp
	}{
		{"Purpose", regexp.MustCompile(`\*\*Purpose\*\*:\s*(.+)`)},
		{"Stack", regexp.MustCompile(`\*\*Stack\*\*:\s*(.+)`)},
		{"Domain", regexp.MustCompile(`\*\*Domain\*\*:\s*(.+)`)},
		{"Owner", regexp.MustCompile(`\*\*Owner\*\*:\s*(.+)`)},
	}
)

// parseRepoCatalog extracts repo entries from the "## Repository Catalog"
// section: one "## name" heading per repo with bolded fields below it.
func parseRepoCatalog(archContext string) []RepoInfo {
	m := catalogRe.FindStringSubmatch(archContext)
	if m == nil {
		return nil
	}
	text := m[1]

	headers := entryHeaderRe.FindAllStringSubmatchIndex(text, -1)
	var repos []RepoInfo
	for i, h := range headers {
		end := len(text)
		if i+1 < len(headers) {
			end = headers[i+1][0]
		}
		entry := text[h[0]:end]
		info := RepoInfo{Name: text[h[2]:h[3]]}
		for _, f := range catalogFields {
			if fm := f.re.FindStringSubmatch(entry); fm != nil {
				val := strings.TrimSpace(fm[1])
				switch f.name {
				case "Purpose":
					info.Purpose = val
				case "Stack":
					info.Stack = val
				case "Domain":
					info.Domain = val
				case "Owner":
					info.Owner = val
				}
			}
		}
		repos = append(repos, info)
	}
	return repos
}
