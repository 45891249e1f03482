// Package specs implements the spec catalog: markdown documents with YAML
// frontmatter, exposed through list/structure/section/search/validate
// operations. The progress tracker's spec references and the link graph's
// spec level resolve against this catalog.
package specs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"meridian/internal/logging"
)

// Catalog error kinds.
var (
	// ErrNotFound reports an unknown spec or section.
	ErrNotFound = errors.New("specs: not found")
)

// Frontmatter is the YAML header of a spec document.
type Frontmatter struct {
	ID     string   `yaml:"id"`
	Title  string   `yaml:"title"`
	Status string   `yaml:"status"`
	Tags   []string `yaml:"tags"`
}

// Spec is one catalogued document.
type Spec struct {
	Name        string      `json:"name"` // file stem
	Path        string      `json:"path"`
	Frontmatter Frontmatter `json:"frontmatter"`
	Body        string      `json:"-"`
}

// Section is one heading with its text.
type Section struct {
	Heading string `json:"heading"`
	Level   int    `json:"level"`
	Body    string `json:"body"`
}

// ValidationIssue is one problem found by Validate.
type ValidationIssue struct {
	Spec    string `json:"spec"`
	Problem string `json:"problem"`
}

// Catalog reads spec documents from a directory.
type Catalog struct {
	mu    sync.RWMutex
	dir   string
	specs map[string]*Spec
}

// NewCatalog loads every *.md under dir. A missing directory yields an
// empty catalog, not an error.
func NewCatalog(dir string) (*Catalog, error) {
	c := &Catalog{dir: dir, specs: make(map[string]*Spec)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("specs: read dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".md" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, rerr := os.ReadFile(path)
		if rerr != nil {
			logging.Get(logging.CategorySpecs).Warn("skipping unreadable spec %s: %v", path, rerr)
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".md")
		fm, body := splitFrontmatter(string(data))
		c.specs[name] = &Spec{Name: name, Path: path, Frontmatter: fm, Body: body}
	}

	logging.Specs("Spec catalog loaded (%d documents)", len(c.specs))
	return c, nil
}

// splitFrontmatter parses an optional leading "---" YAML block.
func splitFrontmatter(content string) (Frontmatter, string) {
	var fm Frontmatter
	if !strings.HasPrefix(content, "---\n") {
		return fm, content
	}
	rest := content[4:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return fm, content
	}
	if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
		return Frontmatter{}, content
	}
	body := rest[end+4:]
	return fm, strings.TrimPrefix(body, "\n")
}

// List returns all specs, sorted by name.
func (c *Catalog) List() []Spec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Spec, 0, len(c.specs))
	for _, s := range c.specs {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Exists reports whether a spec name resolves. Link validation uses this
// as the spec-level entity resolver.
func (c *Catalog) Exists(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.specs[name]
	return ok
}

var headingRe = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+)$`)

// GetStructure returns a spec's heading tree in document order.
func (c *Catalog) GetStructure(name string) ([]Section, error) {
	c.mu.RLock()
	s, ok := c.specs[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: spec %s", ErrNotFound, name)
	}
	return sectionsOf(s.Body), nil
}

func sectionsOf(body string) []Section {
	matches := headingRe.FindAllStringSubmatchIndex(body, -1)
	out := make([]Section, 0, len(matches))
	for i, m := range matches {
		level := m[3] - m[2]
		heading := strings.TrimSpace(body[m[4]:m[5]])
		start := m[1]
		end := len(body)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		out = append(out, Section{
			Heading: heading,
			Level:   level,
			Body:    strings.TrimSpace(body[start:end]),
		})
	}
	return out
}

// GetSection returns one section's text by heading.
func (c *Catalog) GetSection(name, heading string) (Section, error) {
	sections, err := c.GetStructure(name)
	if err != nil {
		return Section{}, err
	}
	for _, s := range sections {
		if strings.EqualFold(s.Heading, heading) {
			return s, nil
		}
	}
	return Section{}, fmt.Errorf("%w: section %q in %s", ErrNotFound, heading, name)
}

// SearchHit is one search match.
type SearchHit struct {
	Spec    string `json:"spec"`
	Heading string `json:"heading"`
	Excerpt string `json:"excerpt"`
}

// Search matches query against spec bodies, section by section.
func (c *Catalog) Search(query string) []SearchHit {
	q := strings.ToLower(query)

	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []SearchHit
	for name, s := range c.specs {
		for _, sec := range sectionsOf(s.Body) {
			idx := strings.Index(strings.ToLower(sec.Body), q)
			if idx < 0 {
				continue
			}
			end := idx + len(q) + 60
			if end > len(sec.Body) {
				end = len(sec.Body)
			}
			start := idx - 20
			if start < 0 {
				start = 0
			}
			out = append(out, SearchHit{Spec: name, Heading: sec.Heading, Excerpt: sec.Body[start:end]})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Spec != out[j].Spec {
			return out[i].Spec < out[j].Spec
		}
		return out[i].Heading < out[j].Heading
	})
	return out
}

var refRe = regexp.MustCompile(`\[\[([^\]]+)\]\]`)

// Validate reports structural problems: missing frontmatter ids, duplicate
// ids, and [[name]] references to specs that do not exist.
func (c *Catalog) Validate() []ValidationIssue {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var issues []ValidationIssue
	ids := make(map[string]string)
	for name, s := range c.specs {
		if s.Frontmatter.ID == "" {
			issues = append(issues, ValidationIssue{Spec: name, Problem: "missing frontmatter id"})
		} else if prev, dup := ids[s.Frontmatter.ID]; dup {
			issues = append(issues, ValidationIssue{Spec: name, Problem: fmt.Sprintf("duplicate id %q (also in %s)", s.Frontmatter.ID, prev)})
		} else {
			ids[s.Frontmatter.ID] = name
		}

		for _, m := range refRe.FindAllStringSubmatch(s.Body, -1) {
			ref := m[1]
			if _, ok := c.specs[ref]; !ok {
				issues = append(issues, ValidationIssue{Spec: name, Problem: fmt.Sprintf("broken reference [[%s]]", ref)})
			}
		}
	}
	sort.Slice(issues, func(i, j int) bool {
		if issues[i].Spec != issues[j].Spec {
			return issues[i].Spec < issues[j].Spec
		}
		return issues[i].Problem < issues[j].Problem
	})
	return issues
}
