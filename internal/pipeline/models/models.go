// Package models defines the pipeline state-machine templates: statuses,
// transitions, and the guard/hook references attached to them.
package models

import "time"

// Trigger identifies what kind of actor initiates a transition.
type Trigger string

const (
	TriggerManual Trigger = "manual"
	TriggerAgent  Trigger = "agent"
	TriggerSystem Trigger = "system"
)

// HookPolicy controls how a hook failure affects a committed transition.
type HookPolicy string

const (
	// PolicyRequired awaits the hook; failure rolls the status change back.
	PolicyRequired HookPolicy = "required"
	// PolicyBestEffort awaits the hook; failure is recorded and execution
	// continues. This is the default when a hook declares no policy.
	PolicyBestEffort HookPolicy = "best_effort"
	// PolicyFireAndForget runs the hook detached; failures are only logged.
	PolicyFireAndForget HookPolicy = "fire_and_forget"
)

// StatusAny is the wildcard accepted in Transition.From.
const StatusAny = "*"

// Status is one state of a pipeline.
type Status struct {
	Name    string `json:"name" yaml:"name"`
	Label   string `json:"label" yaml:"label"`
	Color   string `json:"color,omitempty" yaml:"color,omitempty"`
	IsFinal bool   `json:"is_final" yaml:"is_final"`
}

// GuardRef names a registered guard together with its parameters.
type GuardRef struct {
	Name   string                 `json:"name" yaml:"name"`
	Params map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`
}

// HookRef names a registered hook together with its parameters and policy.
type HookRef struct {
	Name   string                 `json:"name" yaml:"name"`
	Params map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`
	Policy HookPolicy             `json:"policy,omitempty" yaml:"policy,omitempty"`
}

// EffectivePolicy returns the hook's policy, defaulting to best_effort.
func (h HookRef) EffectivePolicy() HookPolicy {
	if h.Policy == "" {
		return PolicyBestEffort
	}
	return h.Policy
}

// Transition is one arc of a pipeline state machine. From may be a status
// name or the wildcard "*". AgentOutcome discriminates agent-triggered
// transitions out of the same state.
type Transition struct {
	From         string     `json:"from" yaml:"from"`
	To           string     `json:"to" yaml:"to"`
	Trigger      Trigger    `json:"trigger" yaml:"trigger"`
	AgentOutcome string     `json:"agent_outcome,omitempty" yaml:"agent_outcome,omitempty"`
	Guards       []GuardRef `json:"guards,omitempty" yaml:"guards,omitempty"`
	Hooks        []HookRef  `json:"hooks,omitempty" yaml:"hooks,omitempty"`
}

// Pipeline is a state-machine template tasks are bound to. Pipelines are
// immutable with respect to in-flight tasks; edits are advisory.
type Pipeline struct {
	ID          string       `json:"id" yaml:"id"`
	Name        string       `json:"name" yaml:"name"`
	TaskType    string       `json:"task_type" yaml:"task_type"`
	Statuses    []Status     `json:"statuses" yaml:"statuses"`
	Transitions []Transition `json:"transitions" yaml:"transitions"`
	CreatedAt   time.Time    `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time    `json:"updated_at" yaml:"-"`
}

// StatusByName returns the named status, or nil when the pipeline does not
// define it.
func (p *Pipeline) StatusByName(name string) *Status {
	for i := range p.Statuses {
		if p.Statuses[i].Name == name {
			return &p.Statuses[i]
		}
	}
	return nil
}

// HasStatus reports whether the pipeline defines the named status.
func (p *Pipeline) HasStatus(name string) bool {
	return p.StatusByName(name) != nil
}

// IsFinal reports whether the named status is a final state. Unknown names
// are not final.
func (p *Pipeline) IsFinal(name string) bool {
	if s := p.StatusByName(name); s != nil {
		return s.IsFinal
	}
	return false
}
