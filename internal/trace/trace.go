// Package trace tracks the delivery chain from spec to tests as a small
// artifact graph, persisted as JSON alongside the workspace.
package trace

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
)

// ArtifactType orders the delivery chain.
type ArtifactType string

const (
	TypeSpec  ArtifactType = "spec"
	TypeEpic  ArtifactType = "epic"
	TypeStory ArtifactType = "story"
	TypePlan  ArtifactType = "plan"
	TypePR    ArtifactType = "pr"
	TypeTest  ArtifactType = "test"
)

var typeOrder = map[ArtifactType]int{
	TypeSpec: 0, TypeEpic: 1, TypeStory: 2, TypePlan: 3, TypePR: 4, TypeTest: 5,
}

// Artifact is one node in the delivery chain.
type Artifact struct {
	Type     ArtifactType      `json:"type"`
	ID       string            `json:"id"`
	Title    string            `json:"title,omitempty"`
	URL      string            `json:"url,omitempty"`
	ParentID string            `json:"parent_id,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Link is a directed edge between artifacts.
type Link struct {
	SourceType   ArtifactType `json:"source_type"`
	SourceID     string       `json:"source_id"`
	TargetType   ArtifactType `json:"target_type"`
	TargetID     string       `json:"target_id"`
	Relationship string       `json:"relationship"`
}

// Graph is an in-memory artifact graph for a pipeline run. Safe for
// concurrent use; ticket handlers run on separate goroutines.
type Graph struct {
	mu        sync.Mutex
	artifacts map[string]Artifact
	links     []Link
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{artifacts: map[string]Artifact{}}
}

// AddArtifact inserts or replaces an artifact by ID.
func (g *Graph) AddArtifact(a Artifact) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.artifacts[a.ID] = a
}

// Link records a produces-style edge between two artifacts.
func (g *Graph) Link(srcType ArtifactType, srcID string, dstType ArtifactType, dstID, relationship string) {
	if relationship == "" {
		relationship = "produces"
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.links = append(g.links, Link{
		SourceType: srcType, SourceID: srcID,
		TargetType: dstType, TargetID: dstID,
		Relationship: relationship,
	})
}

// Artifact returns the artifact with the given ID, if present.
func (g *Graph) Artifact(id string) (Artifact, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	a, ok := g.artifacts[id]
	return a, ok
}

// Children returns the direct targets of edges leaving parentID.
func (g *Graph) Children(parentID string) []Artifact {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.childrenLocked(parentID)
}

func (g *Graph) childrenLocked(parentID string) []Artifact {
	seen := map[string]bool{}
	var out []Artifact
	for _, l := range g.links {
		if l.SourceID != parentID || seen[l.TargetID] {
			continue
		}
		seen[l.TargetID] = true
		if a, ok := g.artifacts[l.TargetID]; ok {
			out = append(out, a)
		}
	}
	return out
}

// Ancestors returns every artifact upstream of id, transitively.
func (g *Graph) Ancestors(id string) []Artifact {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ancestorsLocked(id, map[string]bool{id: true})
}

func (g *Graph) ancestorsLocked(id string, visited map[string]bool) []Artifact {
	var out []Artifact
	for _, l := range g.links {
		if l.TargetID != id || visited[l.SourceID] {
			continue
		}
		visited[l.SourceID] = true
		if a, ok := g.artifacts[l.SourceID]; ok {
			out = append(out, a)
		}
		out = append(out, g.ancestorsLocked(l.SourceID, visited)...)
	}
	return out
}

// Chain returns the full chain from root spec down to the given artifact,
// ordered by artifact type.
func (g *Graph) Chain(id string) []Artifact {
	chain := g.Ancestors(id)
	if a, ok := g.Artifact(id); ok {
		chain = append(chain, a)
	}
	sort.SliceStable(chain, func(i, j int) bool {
		return typeOrder[chain[i].Type] < typeOrder[chain[j].Type]
	})
	return chain
}

// CoverageReport reports how much of an epic's scope is covered by
// stories, PRs, and tests.
type CoverageReport struct {
	EpicID           string  `json:"epic_id"`
	TotalStories     int     `json:"total_stories"`
	StoriesWithPR    int     `json:"stories_with_pr"`
	StoriesWithTests int     `json:"stories_with_tests"`
	PRCoverage       float64 `json:"pr_coverage"`
	TestCoverage     float64 `json:"test_coverage"`
}

// Coverage computes the coverage report for one epic.
func (g *Graph) Coverage(epicID string) CoverageReport {
	g.mu.Lock()
	defer g.mu.Unlock()

	var stories []Artifact
	for _, a := range g.childrenLocked(epicID) {
		if a.Type == TypeStory {
			stories = append(stories, a)
		}
	}
	report := CoverageReport{EpicID: epicID, TotalStories: len(stories)}
	for _, story := range stories {
		hasPR, hasTest := false, false
		for _, c := range g.childrenLocked(story.ID) {
			switch c.Type {
			case TypePR:
				hasPR = true
			case TypeTest:
				hasTest = true
			}
		}
		if hasPR {
			report.StoriesWithPR++
		}
		if hasTest {
			report.StoriesWithTests++
		}
	}
	if report.TotalStories > 0 {
		report.PRCoverage = float64(report.StoriesWithPR) / float64(report.TotalStories)
		report.TestCoverage = float64(report.StoriesWithTests) / float64(report.TotalStories)
	}
	return report
}

// Summary renders a human-readable coverage summary for an epic.
func (g *Graph) Summary(epicID string) string {
	r := g.Coverage(epicID)
	return fmt.Sprintf("Traceability Report for %s\n  Stories: %d\n  With PRs: %d (%.0f%%)\n  With Tests: %d (%.0f%%)",
		r.EpicID, r.TotalStories, r.StoriesWithPR, r.PRCoverage*100, r.StoriesWithTests, r.TestCoverage*100)
}

type graphFile struct {
	Artifacts []Artifact `json:"artifacts"`
	Links     []Link     `json:"links"`
}

// Save writes the graph as JSON.
func (g *Graph) Save(path string) error {
	g.mu.Lock()
	file := graphFile{Links: g.links}
	for _, a := range g.artifacts {
		file.Artifacts = append(file.Artifacts, a)
	}
	g.mu.Unlock()

	sort.Slice(file.Artifacts, func(i, j int) bool { return file.Artifacts[i].ID < file.Artifacts[j].ID })
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal trace graph: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write trace graph: %w", err)
	}
	return nil
}

// Load reads a graph back from JSON.
func Load(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trace graph: %w", err)
	}
	var file graphFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse trace graph: %w", err)
	}
	g := NewGraph()
	for _, a := range file.Artifacts {
		g.artifacts[a.ID] = a
	}
	g.links = file.Links
	return g, nil
}
