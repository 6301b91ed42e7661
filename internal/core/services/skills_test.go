package services

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeSkills_Bounds(t *testing.T) {
	var many []string
	for i := 0; i < 40; i++ {
		many = append(many, fmt.Sprintf("Skill number %d", i))
	}

	inputs := [][]string{
		nil,
		{},
		{"Go", "ab", "abc", strings.Repeat("x", 200), strings.Repeat("y", 201)},
		{"Kubernetes", "kubernetes", " KUBERNETES ", "Terraform"},
		{"- Cloud migration", "* FedRAMP", "1. Zero trust", `"Quoted skill"`},
		many,
	}

	for i, in := range inputs {
		t.Run(fmt.Sprintf("case_%d", i), func(t *testing.T) {
			out := SanitizeSkills(in)
			if out == nil {
				t.Fatal("expected non-nil result")
			}
			if len(out) > MaxSkills {
				t.Errorf("expected at most %d skills, got %d", MaxSkills, len(out))
			}
			seen := make(map[string]bool)
			for _, s := range out {
				n := utf8.RuneCountInString(s)
				if n < MinSkillLength || n > MaxSkillLength {
					t.Errorf("skill %q has length %d", s, n)
				}
				if s != strings.TrimSpace(s) {
					t.Errorf("skill %q not trimmed", s)
				}
				key := strings.ToLower(s)
				if seen[key] {
					t.Errorf("duplicate skill %q", s)
				}
				seen[key] = true
			}
		})
	}
}

func TestSanitizeSkills_Content(t *testing.T) {
	assert.Equal(t, []string{"abc", strings.Repeat("x", 200)},
		SanitizeSkills([]string{"Go", "ab", "abc", strings.Repeat("x", 200), strings.Repeat("y", 201)}))
	assert.Equal(t, []string{"Kubernetes", "Terraform"},
		SanitizeSkills([]string{"Kubernetes", "kubernetes", " KUBERNETES ", "Terraform"}))
	assert.Equal(t, []string{"Cloud migration", "FedRAMP", "Zero trust", "Quoted skill"},
		SanitizeSkills([]string{"- Cloud migration", "* FedRAMP", "1. Zero trust", `"Quoted skill"`}))
}

func TestParseSkills(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"json array", ` ["Cloud migration", "FedRAMP", "Go"]`, []string{"Cloud migration", "FedRAMP"}},
		{"json in fence", "```json\n[\"Zero trust\"]\n```", []string{"Zero trust"}},
		{"comma separated", "Cloud migration, FedRAMP, Kubernetes", []string{"Cloud migration", "FedRAMP", "Kubernetes"}},
		{"semicolons", "Cloud migration; FedRAMP", []string{"Cloud migration", "FedRAMP"}},
		{"bullets", "\n- Cloud migration\n- FedRAMP\n• Kubernetes\n", []string{"Cloud migration", "FedRAMP", "Kubernetes"}},
		{"broken json falls back", `["Cloud migration", "FedRAMP"`, []string{"Cloud migration", "FedRAMP"}},
		{"empty", "   ", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseSkills(tt.in))
		})
	}
}
