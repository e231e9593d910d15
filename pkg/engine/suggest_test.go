package engine

import (
	"reflect"
	"testing"
)

func TestSuggest(t *testing.T) {
	packages := []string{"bat", "fd", "fzf", "ripgrep", "ripgrep-all"}

	tests := []struct {
		name string
		want []string
	}{
		{"rigrep", []string{"ripgrep"}},
		{"RipGrep", []string{"ripgrep", "ripgrep-all"}},
		{"rip", []string{"ripgrep", "ripgrep-all"}},
		{"fz", []string{"fzf"}},
		{"completely-different", nil},
		{"ripgrep", []string{"ripgrep-all"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Suggest(tt.name, packages)
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Suggest(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestSuggest_Limit(t *testing.T) {
	got := Suggest("node", []string{"node1", "node2", "node3", "node4"})
	if len(got) != maxSuggestions {
		t.Errorf("Expected %d suggestions, got %v", maxSuggestions, got)
	}
	if got[0] != "node1" {
		t.Errorf("Ties should sort by name, got %v", got)
	}
}

func TestCheckEnvironment(t *testing.T) {
	known := []string{"macos", "ubuntu"}

	if err := CheckEnvironment("ubuntu", known); err != nil {
		t.Errorf("Known environment rejected: %v", err)
	}
	if err := CheckEnvironment("anything", nil); err != nil {
		t.Errorf("Empty known set should accept anything: %v", err)
	}

	err := CheckEnvironment("ubunut", known)
	if ErrorCode(err) != ErrCodeUnknownEnvironment {
		t.Fatalf("Expected unknown environment, got %v", err)
	}
	if got := Suggestions(err); !reflect.DeepEqual(got, []string{"ubuntu"}) {
		t.Errorf("Expected suggestion ubuntu, got %v", got)
	}
}
