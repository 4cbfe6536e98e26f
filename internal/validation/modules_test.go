package validation

import (
	"reflect"
	"testing"
)

func TestIsValidModuleCode(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{"READING", true},
		{"B2-SPEAKING", true},
		{"A1", true},
		{"MOD-01", true},
		{"", false},
		{"X", false},
		{"reading", false},
		{"1READING", false},
		{"-READING", false},
		{"READING-", false},
		{"READ ING", false},
		{"VERYLONGMODULECODE", false},
	}

	for _, tt := range tests {
		if got := IsValidModuleCode(tt.code); got != tt.want {
			t.Fatalf("IsValidModuleCode(%q) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestNormalizeModules(t *testing.T) {
	got := NormalizeModules([]string{"writing", " READING ", "Writing", "", "listening"})
	want := []string{"LISTENING", "READING", "WRITING"}

	if !reflect.DeepEqual(got, want) {
		t.Fatalf("NormalizeModules = %v, want %v", got, want)
	}
}

func TestNormalizeModules_Empty(t *testing.T) {
	if got := NormalizeModules(nil); len(got) != 0 {
		t.Fatalf("NormalizeModules(nil) = %v, want empty", got)
	}
}
