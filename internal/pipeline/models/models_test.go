package models

import "testing"

func TestHookRefEffectivePolicy(t *testing.T) {
	tests := []struct {
		name   string
		policy HookPolicy
		want   HookPolicy
	}{
		{"empty defaults to best effort", "", PolicyBestEffort},
		{"required kept", PolicyRequired, PolicyRequired},
		{"best effort kept", PolicyBestEffort, PolicyBestEffort},
		{"fire and forget kept", PolicyFireAndForget, PolicyFireAndForget},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref := HookRef{Name: "notify", Policy: tt.policy}
			if got := ref.EffectivePolicy(); got != tt.want {
				t.Errorf("EffectivePolicy() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestPipelineStatusLookup(t *testing.T) {
	p := &Pipeline{
		Statuses: []Status{
			{Name: "backlog"},
			{Name: "in_progress"},
			{Name: "done", IsFinal: true},
		},
	}

	if got := p.StatusByName("in_progress"); got == nil || got.Name != "in_progress" {
		t.Errorf("StatusByName(in_progress) = %+v, want in_progress", got)
	}
	if p.StatusByName("shipped") != nil {
		t.Error("StatusByName on an unknown name should be nil")
	}
	if !p.HasStatus("backlog") {
		t.Error("HasStatus(backlog) should be true")
	}
	if p.HasStatus("shipped") {
		t.Error("HasStatus(shipped) should be false")
	}
}

func TestPipelineIsFinal(t *testing.T) {
	p := &Pipeline{
		Statuses: []Status{
			{Name: "in_review"},
			{Name: "done", IsFinal: true},
			{Name: "cancelled", IsFinal: true},
		},
	}

	tests := []struct {
		status string
		want   bool
	}{
		{"done", true},
		{"cancelled", true},
		{"in_review", false},
		{"unknown", false},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			if got := p.IsFinal(tt.status); got != tt.want {
				t.Errorf("IsFinal(%s) = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}
