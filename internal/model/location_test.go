package model

import "testing"

func TestLocationContains(t *testing.T) {
	multi := &Location{Line: 2, Column: 5, EndLine: 4, EndColumn: 3}
	single := &Location{Line: 7, Column: 2, EndLine: 7, EndColumn: 9}

	tests := []struct {
		name   string
		loc    *Location
		line   int
		column int
		want   bool
	}{
		{"before start line", multi, 1, 8, false},
		{"start line before column", multi, 2, 4, false},
		{"start line at column", multi, 2, 5, true},
		{"start line far right", multi, 2, 99, true},
		{"interior line any column", multi, 3, 1, true},
		{"end line within", multi, 4, 3, true},
		{"end line past column", multi, 4, 4, false},
		{"after end line", multi, 5, 1, false},
		{"single line inside", single, 7, 5, true},
		{"single line at start", single, 7, 2, true},
		{"single line at end", single, 7, 9, true},
		{"single line before", single, 7, 1, false},
		{"single line after", single, 7, 10, false},
		{"nil location", nil, 1, 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.loc.Contains(tt.line, tt.column); got != tt.want {
				t.Errorf("Contains(%d, %d) = %v, want %v", tt.line, tt.column, got, tt.want)
			}
		})
	}
}
