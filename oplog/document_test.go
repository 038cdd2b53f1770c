package oplog

import (
	"errors"
	"testing"
)

func TestDocumentID(t *testing.T) {
	cases := []struct {
		doc  Document
		want string
	}{
		{Document{"_id": "abc"}, "abc"},
		{Document{"_id": int64(42)}, "42"},
		{Document{"_id": float64(42)}, "42"},
		{Document{"x": 1}, ""},
	}
	for _, c := range cases {
		if got := c.doc.ID(); got != c.want {
			t.Errorf("ID(%v) = %q, want %q", c.doc, got, c.want)
		}
	}
}

func TestDocumentMatches(t *testing.T) {
	doc := Document{
		"_id":  "d1",
		"nr":   int64(7),
		"name": "seven",
		"tags": []any{"a", "b"},
		"meta": map[string]any{"level": int64(2)},
	}

	match := []Document{
		{},
		{"_id": "d1"},
		{"nr": 7},
		{"nr": float64(7)},
		{"nr": int64(7), "name": "seven"},
		{"tags": []any{"a", "b"}},
		{"meta": map[string]any{"level": float64(2)}},
	}
	for _, sel := range match {
		if !doc.Matches(sel) {
			t.Errorf("expected %v to match %v", doc, sel)
		}
	}

	noMatch := []Document{
		{"nr": 8},
		{"name": "eight"},
		{"missing": "x"},
		{"tags": []any{"b", "a"}},
		{"meta": map[string]any{"level": int64(3)}},
	}
	for _, sel := range noMatch {
		if doc.Matches(sel) {
			t.Errorf("expected %v not to match %v", doc, sel)
		}
	}
}

func TestDocumentClone(t *testing.T) {
	doc := Document{
		"_id":  "d1",
		"meta": map[string]any{"level": int64(2)},
		"tags": []any{"a"},
	}
	cp := doc.Clone()
	cp["meta"].(map[string]any)["level"] = int64(9)
	cp["tags"].([]any)[0] = "z"

	if doc["meta"].(map[string]any)["level"] != int64(2) {
		t.Error("clone shares nested map with original")
	}
	if doc["tags"].([]any)[0] != "a" {
		t.Error("clone shares slice with original")
	}
}

func TestApplyMutationReplace(t *testing.T) {
	doc := Document{"_id": "d1", "nr": int64(1), "old": true}
	out, err := doc.ApplyMutation(Document{"nr": int64(2)})
	if err != nil {
		t.Fatalf("replace failed: %v", err)
	}
	if out.ID() != "d1" {
		t.Errorf("replacement lost _id: %v", out)
	}
	if _, ok := out["old"]; ok {
		t.Errorf("replacement kept old field: %v", out)
	}
	if nr, _ := out["nr"].(int64); nr != 2 {
		t.Errorf("nr = %v, want 2", out["nr"])
	}
}

func TestApplyMutationSet(t *testing.T) {
	doc := Document{"_id": "d1", "nr": int64(1)}
	out, err := doc.ApplyMutation(Document{"$set": map[string]any{"nr": int64(97), "extra": "y"}})
	if err != nil {
		t.Fatalf("$set failed: %v", err)
	}
	if nr, _ := out["nr"].(int64); nr != 97 {
		t.Errorf("nr = %v, want 97", out["nr"])
	}
	if out["extra"] != "y" {
		t.Errorf("extra = %v, want y", out["extra"])
	}
	if nr, _ := doc["nr"].(int64); nr != 1 {
		t.Error("mutation modified the receiver")
	}
}

func TestApplyMutationUnset(t *testing.T) {
	doc := Document{"_id": "d1", "gone": 1, "kept": 2}
	out, err := doc.ApplyMutation(Document{"$unset": map[string]any{"gone": ""}})
	if err != nil {
		t.Fatalf("$unset failed: %v", err)
	}
	if _, ok := out["gone"]; ok {
		t.Error("$unset left the field in place")
	}
	if _, ok := out["kept"]; !ok {
		t.Error("$unset removed an unrelated field")
	}
}

func TestApplyMutationUnknownOperator(t *testing.T) {
	doc := Document{"_id": "d1"}
	_, err := doc.ApplyMutation(Document{"$rename": map[string]any{"a": "b"}})
	if !errors.Is(err, ErrBadMutation) {
		t.Fatalf("err = %v, want ErrBadMutation", err)
	}
}

func TestApplyMutationRejectsRelativeOperator(t *testing.T) {
	// $inc would double-apply when a record is redelivered after a crash
	// between apply and checkpoint, so it must be refused up front.
	doc := Document{"_id": "d1", "count": int64(10)}
	_, err := doc.ApplyMutation(Document{"$inc": map[string]any{"count": int64(5)}})
	if !errors.Is(err, ErrBadMutation) {
		t.Fatalf("err = %v, want ErrBadMutation", err)
	}
	if got, _ := doc["count"].(int64); got != 10 {
		t.Errorf("rejected mutation modified the receiver: count = %v", doc["count"])
	}
}
