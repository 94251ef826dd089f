package model

import "time"

// JobSpec is a fully resolved job, ready to be handed to an executor
type JobSpec struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name,omitempty" yaml:"name,omitempty"`
	Title       string            `json:"title,omitempty" yaml:"title,omitempty"`
	Image       string            `json:"image" yaml:"image"`
	Preset      string            `json:"preset,omitempty" yaml:"preset,omitempty"`
	Entrypoint  string            `json:"entrypoint,omitempty" yaml:"entrypoint,omitempty"`
	Cmd         string            `json:"cmd,omitempty" yaml:"cmd,omitempty"`
	Workdir     string            `json:"workdir,omitempty" yaml:"workdir,omitempty"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Volumes     []string          `json:"volumes,omitempty" yaml:"volumes,omitempty"`
	Tags        []string          `json:"tags,omitempty" yaml:"tags,omitempty"`
	LifeSpan    time.Duration     `json:"life_span,omitempty" yaml:"life-span,omitempty"`
	HTTPPort    int               `json:"http_port,omitempty" yaml:"http-port,omitempty"`
	HTTPAuth    bool              `json:"http_auth,omitempty" yaml:"http-auth,omitempty"`
	Detach      bool              `json:"detach,omitempty" yaml:"detach,omitempty"`
	Browse      bool              `json:"browse,omitempty" yaml:"browse,omitempty"`
	PortForward []string          `json:"port_forward,omitempty" yaml:"port-forward,omitempty"`
	Outputs     []string          `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// Params returns the spec fields that identify what the job does, for fingerprinting.
// Presentation-only fields (title, name, tags) are left out.
func (s *JobSpec) Params() map[string]any {
	return map[string]any{
		"image":      s.Image,
		"preset":     s.Preset,
		"entrypoint": s.Entrypoint,
		"cmd":        s.Cmd,
		"workdir":    s.Workdir,
		"env":        s.Env,
		"volumes":    s.Volumes,
		"http_port":  s.HTTPPort,
		"outputs":    s.Outputs,
	}
}
