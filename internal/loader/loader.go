package loader

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sourceplane/liteflow/internal/expr"
	"github.com/sourceplane/liteflow/internal/model"
	"github.com/sourceplane/liteflow/internal/schema"
)

// ConfigDirName is the directory holding project and flow files
const ConfigDirName = ".liteflow"

// File names inside the config directory
const (
	ProjectFile = "project.yml"
	LiveFile    = "live.yml"
	ConfigFile  = "config.yml"
)

var (
	// ErrConfigDirNotFound is returned when no .liteflow directory exists above the start directory
	ErrConfigDirNotFound = errors.New("no " + ConfigDirName + " directory found")
	// ErrFlowNotFound is returned for an unknown flow id
	ErrFlowNotFound = errors.New("flow not found")
)

// Workspace is a located project
type Workspace struct {
	Root      string
	ConfigDir string
	Project   *model.Project
	validator *schema.Validator
}

// FindConfigDir walks up from start looking for a .liteflow directory
func FindConfigDir(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", start, err)
	}
	for {
		candidate := filepath.Join(dir, ConfigDirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%w (searched from %s)", ErrConfigDirNotFound, start)
		}
		dir = parent
	}
}

// Open locates the workspace containing start and loads its project file
func Open(start string) (*Workspace, error) {
	configDir, err := FindConfigDir(start)
	if err != nil {
		return nil, err
	}
	v, err := schema.NewValidator()
	if err != nil {
		return nil, err
	}
	ws := &Workspace{
		Root:      filepath.Dir(configDir),
		ConfigDir: configDir,
		validator: v,
	}
	project, err := ws.loadProject()
	if err != nil {
		return nil, err
	}
	ws.Project = project
	return ws, nil
}

// loadProject reads project.yml. A missing file yields a project named after the workspace directory.
func (w *Workspace) loadProject() (*model.Project, error) {
	project := &model.Project{}
	path := filepath.Join(w.ConfigDir, ProjectFile)
	node, err := readNode(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := w.decode(schema.Project, path, node, project); err != nil {
			return nil, err
		}
	}
	if project.ID == "" {
		project.ID = ProjectID(filepath.Base(w.Root))
	}
	return project, nil
}

// ProjectID derives a project id from a directory name
func ProjectID(dir string) string {
	id := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		}
		return '_'
	}, dir)
	if id == "" || (id[0] >= '0' && id[0] <= '9') {
		id = "_" + id
	}
	return id
}

// LoadLive loads the live flow of the workspace
func (w *Workspace) LoadLive() (*model.LiveFlow, error) {
	path := filepath.Join(w.ConfigDir, LiveFile)
	node, err := readNode(path)
	if err != nil {
		return nil, err
	}
	var flow model.LiveFlow
	if err := w.decode(schema.Live, path, node, &flow); err != nil {
		return nil, err
	}
	flow.Path = path
	return &flow, nil
}

// LoadBatch loads the batch flow with the given id
func (w *Workspace) LoadBatch(id string) (*model.BatchFlow, error) {
	path, err := w.batchPath(id)
	if err != nil {
		return nil, err
	}
	return w.LoadBatchFile(path)
}

// LoadBatchFile loads a batch flow from an explicit path
func (w *Workspace) LoadBatchFile(path string) (*model.BatchFlow, error) {
	node, err := readNode(path)
	if err != nil {
		return nil, err
	}
	var flow model.BatchFlow
	if err := w.decode(schema.Batch, path, node, &flow); err != nil {
		return nil, err
	}
	flow.Path = path
	return &flow, nil
}

func (w *Workspace) batchPath(id string) (string, error) {
	for _, ext := range []string{".yml", ".yaml"} {
		path := filepath.Join(w.ConfigDir, id+ext)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: batch %q in %s", ErrFlowNotFound, id, w.ConfigDir)
}

// ListBatches returns the ids of all batch flows in the workspace, sorted
func (w *Workspace) ListBatches() ([]string, error) {
	entries, err := os.ReadDir(w.ConfigDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read config directory %s: %w", w.ConfigDir, err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		ext := filepath.Ext(name)
		if entry.IsDir() || (ext != ".yml" && ext != ".yaml") {
			continue
		}
		switch name {
		case ProjectFile, LiveFile, ConfigFile:
			continue
		}

		// Only documents declaring kind: batch are flows
		var header struct {
			Kind string `yaml:"kind"`
		}
		data, err := os.ReadFile(filepath.Join(w.ConfigDir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		if err := yaml.Unmarshal(data, &header); err != nil || header.Kind != model.KindBatch {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ext))
	}
	sort.Strings(ids)
	return ids, nil
}

// HasLive reports whether the workspace defines a live flow
func (w *Workspace) HasLive() bool {
	_, err := os.Stat(filepath.Join(w.ConfigDir, LiveFile))
	return err == nil
}

func readNode(path string) (*yaml.Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, fmt.Errorf("failed to parse %s: empty document", path)
	}
	return doc.Content[0], nil
}

// decode validates node against the schema of kind, then decodes it into out.
// Expression parse errors are reported against path.
func (w *Workspace) decode(kind, path string, node *yaml.Node, out interface{}) error {
	if w.validator != nil {
		if err := w.validator.ValidateNode(kind, node); err != nil {
			return fmt.Errorf("invalid %s file %s: %w", kind, path, err)
		}
	}
	if err := node.Decode(out); err != nil {
		var perr *expr.ParseError
		if errors.As(err, &perr) {
			perr.Pos.File = path
			return fmt.Errorf("failed to parse %s file: %w", kind, perr)
		}
		return fmt.Errorf("failed to decode %s file %s: %w", kind, path, err)
	}
	return nil
}

// ParseBatch decodes a batch flow from memory, validating it against the schema
func ParseBatch(name string, data []byte) (*model.BatchFlow, error) {
	var flow model.BatchFlow
	if err := parse(schema.Batch, name, data, &flow); err != nil {
		return nil, err
	}
	flow.Path = name
	return &flow, nil
}

// ParseLive decodes a live flow from memory, validating it against the schema
func ParseLive(name string, data []byte) (*model.LiveFlow, error) {
	var flow model.LiveFlow
	if err := parse(schema.Live, name, data, &flow); err != nil {
		return nil, err
	}
	flow.Path = name
	return &flow, nil
}

func parse(kind, name string, data []byte, out interface{}) error {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse %s: %w", name, err)
	}
	if len(doc.Content) == 0 {
		return fmt.Errorf("failed to parse %s: empty document", name)
	}
	v, err := schema.NewValidator()
	if err != nil {
		return err
	}
	w := &Workspace{validator: v}
	return w.decode(kind, name, doc.Content[0], out)
}
