package lrdp

import (
	"encoding/json"
	"testing"
)

func TestStepLocationNormalization(t *testing.T) {
	// The runtime may answer getStepLocation with an empty object, an
	// explicit null, or a span; the first two both decode to nil.
	tests := []struct {
		name    string
		payload string
		wantNil bool
	}{
		{"empty object", `{}`, true},
		{"explicit null", `{"location": null}`, true},
		{"present", `{"location": {"line": 1, "column": 2, "endLine": 3, "endColumn": 4}}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var res stepLocationResult
			if err := json.Unmarshal([]byte(tt.payload), &res); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if (res.Location == nil) != tt.wantNil {
				t.Errorf("location = %+v, wantNil %v", res.Location, tt.wantNil)
			}
		})
	}
}

func TestBreakpointParameterKind(t *testing.T) {
	element := BreakpointParameter{Name: "target", ElementType: "Stmt"}
	primitive := BreakpointParameter{Name: "value", PrimitiveType: PrimitiveNumber}
	if !element.IsElement() {
		t.Error("element parameter not recognized")
	}
	if primitive.IsElement() {
		t.Error("primitive parameter misrecognized as element")
	}
}

func TestCompletedStepsDecode(t *testing.T) {
	var res executeAtomicStepResult
	payload := `{"completedSteps": ["leaf", "inner", "outer"]}`
	if err := json.Unmarshal([]byte(payload), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(res.CompletedSteps) != 3 || res.CompletedSteps[0] != "leaf" {
		t.Errorf("completedSteps = %v", res.CompletedSteps)
	}
}
