package synth

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/google/uuid"

	"github.com/taskweave/taskweave/internal/log"
	"github.com/taskweave/taskweave/internal/orchestration/faults"
	"github.com/taskweave/taskweave/internal/store/flow"
	"github.com/taskweave/taskweave/internal/store/task"
)

// templateDoc is the YAML shape of a workflow template file.
type templateDoc struct {
	Name  string   `yaml:"name"`
	Match []string `yaml:"match"`
	Nodes []struct {
		ID        string            `yaml:"id"`
		Name      string            `yaml:"name"`
		Type      string            `yaml:"type"`
		Prompt    string            `yaml:"prompt"`
		Persona   string            `yaml:"persona"`
		Condition string            `yaml:"condition"`
		Switch    string            `yaml:"switch"`
		Script    string            `yaml:"script"`
		Assign    map[string]string `yaml:"assign"`
		Items     string            `yaml:"items"`
		Body      []string          `yaml:"body"`
		Retries   *int              `yaml:"retries"`
	} `yaml:"nodes"`
	Edges []struct {
		From          string `yaml:"from"`
		To            string `yaml:"to"`
		Condition     string `yaml:"condition"`
		MaxIterations int    `yaml:"maxIterations"`
	} `yaml:"edges"`
	Variables map[string]any `yaml:"variables"`
}

// Templates synthesizes from YAML template files in a directory. The
// first template whose match keywords all appear in the task text wins;
// no match yields nil so a chained fallback can take over.
type Templates struct {
	dir string
}

// NewTemplates creates a template synthesizer over dir.
func NewTemplates(dir string) *Templates {
	return &Templates{dir: dir}
}

// Synthesize implements Synthesizer. On-disk templates are tried first,
// then the embedded builtins.
func (s *Templates) Synthesize(_ context.Context, t *task.Task) (*flow.Workflow, error) {
	text := strings.ToLower(t.Title + " " + t.Description)

	names, err := s.diskTemplates()
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			log.Warn(log.CatEngine, "Skipping unreadable workflow template", "file", name, "error", err)
			continue
		}
		if wf, ok := s.try(raw, name, text, t); ok {
			return wf, nil
		}
	}

	builtins, _ := fs.ReadDir(builtinTemplates, "templates")
	for _, e := range builtins {
		raw, err := builtinTemplates.ReadFile(path.Join("templates", e.Name()))
		if err != nil {
			continue
		}
		if wf, ok := s.try(raw, e.Name(), text, t); ok {
			return wf, nil
		}
	}
	return nil, nil
}

// try parses one template and builds it when its keywords match. A bad
// template is skipped; a matching one that fails to build wins the match
// but yields no workflow, letting the chain fall through.
func (s *Templates) try(raw []byte, name, text string, t *task.Task) (*flow.Workflow, bool) {
	doc, err := parseTemplate(raw, name)
	if err != nil {
		log.Warn(log.CatEngine, "Skipping bad workflow template", "file", name, "error", err)
		return nil, false
	}
	if !matches(doc.Match, text) {
		return nil, false
	}
	wf, err := s.build(doc, t)
	if err != nil {
		log.Warn(log.CatEngine, "Matching template failed to build", "file", name, "error", err)
		return nil, false
	}
	return wf, true
}

func (s *Templates) diskTemplates() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, faults.Wrap(faults.Internal, err, "reading template dir %s", s.dir)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func parseTemplate(raw []byte, name string) (*templateDoc, error) {
	var doc templateDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, faults.Wrap(faults.Corrupt, err, "parsing template %s", name)
	}
	return &doc, nil
}

// matches requires every keyword to appear in the task text.
func matches(keywords []string, text string) bool {
	if len(keywords) == 0 {
		return false
	}
	for _, kw := range keywords {
		if !strings.Contains(text, strings.ToLower(kw)) {
			return false
		}
	}
	return true
}

// build converts the template into a workflow, expanding {{description}}
// in prompts and validating edge endpoints.
func (s *Templates) build(doc *templateDoc, t *task.Task) (*flow.Workflow, error) {
	desc := t.Description
	if desc == "" {
		desc = t.Title
	}

	wf := &flow.Workflow{
		ID:        uuid.NewString(),
		Name:      doc.Name,
		Variables: doc.Variables,
	}
	known := map[string]bool{}
	for _, n := range doc.Nodes {
		node := flow.Node{
			ID:        n.ID,
			Name:      n.Name,
			Type:      flow.NodeType(n.Type),
			Condition: n.Condition,
			Switch:    n.Switch,
			Script:    n.Script,
			Assign:    n.Assign,
			Retries:   n.Retries,
		}
		if node.Type == flow.NodeTask {
			node.Task = &flow.TaskPayload{
				Prompt:  strings.ReplaceAll(n.Prompt, "{{description}}", desc),
				Persona: n.Persona,
			}
		}
		if node.Type == flow.NodeForeach {
			node.Foreach = &flow.ForeachPayload{Items: n.Items, Body: n.Body}
		}
		wf.Nodes = append(wf.Nodes, node)
		known[n.ID] = true
	}
	for i, e := range doc.Edges {
		if !known[e.From] || !known[e.To] {
			return nil, faults.New(faults.Corrupt, "template %s: edge %s -> %s names unknown node", doc.Name, e.From, e.To)
		}
		wf.Edges = append(wf.Edges, flow.Edge{
			ID:            fmt.Sprintf("e%d", i+1),
			From:          e.From,
			To:            e.To,
			Condition:     e.Condition,
			MaxIterations: e.MaxIterations,
		})
	}
	return wf, nil
}
