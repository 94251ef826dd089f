package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Dep is an upstream node as seen by a fingerprint
type Dep struct {
	ID      string
	Outputs map[string]string
}

// Input is everything a node fingerprint covers
type Input struct {
	ProjectID      string
	FlowID         string
	NodeID         string
	TemplateID     string
	DefinitionHash string
	Params         map[string]any
	Deps           []Dep
}

// Fingerprint hashes the canonical JSON form of in. Map keys are sorted by
// encoding/json and dependencies are sorted by id, so equal inputs always
// produce equal fingerprints.
func Fingerprint(in Input) (string, error) {
	deps := make([][2]string, 0, len(in.Deps))
	for _, d := range in.Deps {
		deps = append(deps, [2]string{d.ID, OutputsFingerprint(d.Outputs)})
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i][0] < deps[j][0] })

	data, err := json.Marshal(struct {
		Project    string         `json:"project"`
		Flow       string         `json:"flow"`
		Node       string         `json:"node"`
		Template   string         `json:"template"`
		Definition string         `json:"definition"`
		Params     map[string]any `json:"params"`
		Deps       [][2]string    `json:"deps"`
	}{in.ProjectID, in.FlowID, in.NodeID, in.TemplateID, in.DefinitionHash, in.Params, deps})
	if err != nil {
		return "", fmt.Errorf("failed to encode fingerprint input: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// OutputsFingerprint hashes a set of outputs
func OutputsFingerprint(outputs map[string]string) string {
	if outputs == nil {
		outputs = map[string]string{}
	}
	data, _ := json.Marshal(outputs)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
