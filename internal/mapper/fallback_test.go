package mapper

import (
	"testing"

	"google.golang.org/protobuf/types/known/structpb"
)

func TestDecodeClassification(t *testing.T) {
	out, err := structpb.NewStruct(map[string]any{
		"model":    "distil-cls",
		"cost_usd": 0.004,
		"suggestions": []any{
			map[string]any{"code": "osworld_50", "confidence": 0.72, "reason": "agent benchmark"},
			map[string]any{"confidence": 0.9}, // missing code, dropped
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	got := decodeClassification(out)
	if got.Model != "distil-cls" || got.CostUSD != 0.004 {
		t.Errorf("unexpected header %+v", got)
	}
	if len(got.Suggestions) != 1 {
		t.Fatalf("expected 1 suggestion, got %d", len(got.Suggestions))
	}
	s := got.Suggestions[0]
	if s.Code != "osworld_50" || s.Confidence != 0.72 || s.Reason != "agent benchmark" {
		t.Errorf("unexpected suggestion %+v", s)
	}
}

func TestDecodeClassification_Empty(t *testing.T) {
	got := decodeClassification(&structpb.Struct{})
	if len(got.Suggestions) != 0 || got.CostUSD != 0 {
		t.Errorf("expected empty classification, got %+v", got)
	}
}
