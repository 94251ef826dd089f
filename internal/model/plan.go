package model

// Plan is the serializable view of a batch graph
type Plan struct {
	FlowID string     `json:"flow" yaml:"flow"`
	Title  string     `json:"title,omitempty" yaml:"title,omitempty"`
	Order  []string   `json:"order" yaml:"order"`
	Nodes  []PlanNode `json:"nodes" yaml:"nodes"`
}

// PlanNode is one node of a plan
type PlanNode struct {
	ID             string            `json:"id" yaml:"id"`
	Template       string            `json:"template" yaml:"template"`
	Matrix         map[string]any    `json:"matrix,omitempty" yaml:"matrix,omitempty"`
	Needs          []string          `json:"needs,omitempty" yaml:"needs,omitempty"`
	Group          string            `json:"group" yaml:"group"`
	MaxParallel    int               `json:"max_parallel,omitempty" yaml:"max-parallel,omitempty"`
	FailFast       bool              `json:"fail_fast" yaml:"fail-fast"`
	RunOnFailure   bool              `json:"run_on_failure,omitempty" yaml:"run-on-failure,omitempty"`
	Cache          string            `json:"cache" yaml:"cache"`
	DefinitionHash string            `json:"definition_hash" yaml:"definition-hash"`
	Outputs        []string          `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}
