package normalize

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sourceplane/liteflow/internal/model"
)

var idPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// DefaultLiveID is the flow id of a live flow without an explicit id
const DefaultLiveID = "live"

// TitleFromFile derives a display title from a flow file name: my_flow.yml becomes "My flow"
func TitleFromFile(path string) string {
	stem := fileStem(path)
	words := strings.Fields(strings.NewReplacer("_", " ", "-", " ").Replace(stem))
	if len(words) == 0 {
		return ""
	}
	title := strings.Join(words, " ")
	return strings.ToUpper(title[:1]) + title[1:]
}

// fileStem is the base name of path without extension, empty for an empty path
func fileStem(path string) string {
	base := filepath.Base(path)
	if path == "" || base == "." || base == string(filepath.Separator) {
		return ""
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Batch fills defaults into a batch flow and checks what the schema cannot
func Batch(flow *model.BatchFlow) error {
	if flow == nil {
		return fmt.Errorf("batch flow cannot be nil")
	}

	// Flow identity defaults to the file name
	if flow.ID == "" {
		flow.ID = fileStem(flow.Path)
	}
	if flow.ID == "" {
		return fmt.Errorf("batch flow has neither an id nor a file name")
	}
	if !idPattern.MatchString(flow.ID) {
		return fmt.Errorf("invalid flow id %q", flow.ID)
	}
	if flow.Title == nil {
		flow.Title = model.LiteralExpr(TitleFromFile(flow.Path))
	}
	if flow.Defaults == nil {
		flow.Defaults = &model.Defaults{}
	}
	if len(flow.Tasks) == 0 {
		return fmt.Errorf("batch flow %s has no tasks", flow.ID)
	}

	seen := make(map[string]bool, len(flow.Tasks))
	for _, task := range flow.Tasks {
		if task == nil {
			return fmt.Errorf("batch flow %s contains an empty task", flow.ID)
		}
		if !idPattern.MatchString(task.ID) {
			return fmt.Errorf("invalid task id %q at %s", task.ID, task.Pos)
		}
		if seen[task.ID] {
			return fmt.Errorf("duplicate task id %q at %s", task.ID, task.Pos)
		}
		seen[task.ID] = true

		if task.Image == nil {
			return fmt.Errorf("task %s must have an image", task.ID)
		}
		for _, need := range task.Needs {
			if strings.TrimSpace(need) == "" {
				return fmt.Errorf("task %s has an empty needs entry", task.ID)
			}
		}
		normalizeCache(task, flow.Defaults)
	}
	return nil
}

// normalizeCache resolves the inherit strategy against the flow defaults
func normalizeCache(task *model.Task, defaults *model.Defaults) {
	inherited := model.Cache{Strategy: model.CacheDefault}
	if defaults.Cache != nil {
		if defaults.Cache.Strategy != "" && defaults.Cache.Strategy != model.CacheInherit {
			inherited.Strategy = defaults.Cache.Strategy
		}
		inherited.LifeSpan = defaults.Cache.LifeSpan
	}

	if task.Cache == nil {
		task.Cache = &model.Cache{}
	}
	if task.Cache.Strategy == "" || task.Cache.Strategy == model.CacheInherit {
		task.Cache.Strategy = inherited.Strategy
	}
	if task.Cache.LifeSpan == nil {
		task.Cache.LifeSpan = inherited.LifeSpan
	}
}

// Live fills defaults into a live flow
func Live(flow *model.LiveFlow) error {
	if flow == nil {
		return fmt.Errorf("live flow cannot be nil")
	}
	if flow.ID == "" {
		flow.ID = DefaultLiveID
	}
	if !idPattern.MatchString(flow.ID) {
		return fmt.Errorf("invalid flow id %q", flow.ID)
	}
	if flow.Title == nil {
		flow.Title = model.LiteralExpr(TitleFromFile(flow.Path))
	}
	if flow.Defaults == nil {
		flow.Defaults = &model.Defaults{}
	}
	if len(flow.Jobs) == 0 {
		return fmt.Errorf("live flow %s has no jobs", flow.ID)
	}
	for id, job := range flow.Jobs {
		if !idPattern.MatchString(id) {
			return fmt.Errorf("invalid job id %q", id)
		}
		if job == nil || job.Image == nil {
			return fmt.Errorf("job %s must have an image", id)
		}
	}
	return nil
}
