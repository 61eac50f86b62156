package events

import "testing"

func TestThreadIDPatternMatchesGeneratedShape(t *testing.T) {
	valid := []string{
		"lace_20260731_ab12cd",
		"summary_00000000_000000",
	}
	for _, id := range valid {
		if !ThreadIDPattern.MatchString(id) {
			t.Errorf("expected %q to match ThreadIDPattern", id)
		}
	}

	invalid := []string{
		"lace_2026073_ab12cd",  // date too short
		"lace_20260731_AB12CD", // uppercase not allowed
		"lace20260731_ab12cd",  // missing separator
		"",
	}
	for _, id := range invalid {
		if ThreadIDPattern.MatchString(id) {
			t.Errorf("expected %q not to match ThreadIDPattern", id)
		}
	}
}

func TestDataImplementationsAreDistinctTypes(t *testing.T) {
	var d Data

	d = UserMessageData{Text: "hi"}
	if _, ok := d.(UserMessageData); !ok {
		t.Fatal("UserMessageData should satisfy Data")
	}

	d = ToolResultData{CallID: "c1", Content: []ContentBlock{TextBlock("ok")}}
	tr, ok := d.(ToolResultData)
	if !ok || tr.Content[0].Text != "ok" {
		t.Fatal("ToolResultData round-trip through Data failed")
	}

	d = CompactionData{SummaryText: "s", FirstSequence: 1, LastSequence: 5}
	comp, ok := d.(CompactionData)
	if !ok || comp.FirstSequence != 1 || comp.LastSequence != 5 {
		t.Fatal("CompactionData round-trip through Data failed")
	}
}

func TestTextBlockSetsTypeText(t *testing.T) {
	b := TextBlock("hello")
	if b.Type != "text" || b.Text != "hello" {
		t.Fatalf("unexpected block: %+v", b)
	}
}
