package document

import (
	"testing"
)

func TestInsertAssignsStableIDs(t *testing.T) {
	d := New()
	ids := d.Insert(-1, &Event{Text: "a"}, &Event{Text: "b"}, &Event{Text: "c"})
	if len(ids) != 3 {
		t.Fatalf("expected 3 ids, got %d", len(ids))
	}
	if ids[0] == ids[1] || ids[1] == ids[2] {
		t.Fatalf("ids not unique: %v", ids)
	}
	// inserting in the middle must not disturb existing ids
	d.Insert(1, &Event{Text: "x"})
	if got := d.ByID(ids[2]); got == nil || got.Text != "c" {
		t.Fatalf("id %d no longer resolves to its event", ids[2])
	}
	if idx := d.IndexOf(ids[2]); idx != 3 {
		t.Fatalf("expected index 3 after middle insert, got %d", idx)
	}
}

func TestRemoveDropsSelectionAndActive(t *testing.T) {
	d := New()
	ids := d.Insert(-1, &Event{Text: "a"}, &Event{Text: "b"})
	d.SetSelection(ids, ids[1])

	if removed := d.Remove(ids[1]); removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if d.ActiveID() != -1 {
		t.Fatalf("active should reset when the active event is removed")
	}
	sel := d.SelectedIDs()
	if len(sel) != 1 || sel[0] != ids[0] {
		t.Fatalf("unexpected selection after remove: %v", sel)
	}
	// removing an unknown id is a no-op
	if removed := d.Remove(EventID(9999)); removed != 0 {
		t.Fatalf("expected 0 removed for unknown id, got %d", removed)
	}
}

func TestSortSubsetKeepsSlots(t *testing.T) {
	d := New()
	ids := d.Insert(-1,
		&Event{Start: 300, Text: "c"},
		&Event{Start: 100, Text: "a"},
		&Event{Start: 200, Text: "b"},
		&Event{Start: 50, Text: "z"},
	)
	// sort only the first three; the fourth must stay where it is
	limit := map[EventID]struct{}{ids[0]: {}, ids[1]: {}, ids[2]: {}}
	if !d.Sort(SortStart, limit) {
		t.Fatal("sort returned false")
	}
	texts := []string{}
	d.Each(func(_ int, ev *Event) bool {
		texts = append(texts, ev.Text)
		return true
	})
	want := []string{"a", "b", "c", "z"}
	for i := range want {
		if texts[i] != want[i] {
			t.Fatalf("order %v, want %v", texts, want)
		}
	}
	if d.Sort(SortField("bogus"), nil) {
		t.Fatal("unknown sort field must be rejected")
	}
}

func TestUndoRestoresPreviousCommit(t *testing.T) {
	d := New()
	d.Insert(-1, &Event{Text: "one"})
	d.Commit("insert", CommitAddRem)

	d.At(0).Text = "changed"
	d.Commit("edit", CommitText)

	if !d.CanUndo() {
		t.Fatal("expected undo to be available")
	}
	if !d.Undo() {
		t.Fatal("undo failed")
	}
	if got := d.At(0).Text; got != "one" {
		t.Fatalf("after undo text = %q, want %q", got, "one")
	}
}

func TestUndoDepthIsBounded(t *testing.T) {
	d := New()
	d.Insert(-1, &Event{Text: "base"})
	d.Commit("insert", CommitAddRem)
	for i := 0; i < undoDepth*2; i++ {
		d.At(0).Start = i
		d.Commit("tick", CommitTime)
	}
	steps := 0
	for d.Undo() {
		steps++
	}
	if steps != undoDepth {
		t.Fatalf("undo steps = %d, want %d", steps, undoDepth)
	}
}

func TestAttachExtradataReplacesSameKey(t *testing.T) {
	d := New()
	ids := d.Insert(-1, &Event{Text: "line"})
	ev := d.ByID(ids[0])

	d.AttachExtradata(ev, "stt", "first")
	d.AttachExtradata(ev, "other", "kept")
	d.AttachExtradata(ev, "stt", "second")

	entries := d.GetExtradata(ev.Extradata)
	values := map[string]string{}
	for _, e := range entries {
		values[e.Key] = e.Value
	}
	if values["stt"] != "second" {
		t.Fatalf("stt value = %q, want %q", values["stt"], "second")
	}
	if values["other"] != "kept" {
		t.Fatalf("unrelated key lost: %v", values)
	}
	if len(entries) != 2 {
		t.Fatalf("event carries %d entries, want 2", len(entries))
	}
}

func TestReplaceResetsSessionState(t *testing.T) {
	d := New()
	ids := d.Insert(-1, &Event{Text: "old"})
	d.SetSelection(ids, ids[0])
	d.Commit("insert", CommitAddRem)

	d.Replace(
		[]InfoEntry{{Key: "Title", Value: "Loaded"}},
		[]*Style{DefaultStyle()},
		[]*Event{{Text: "new"}},
		nil,
	)
	if d.Len() != 1 || d.At(0).Text != "new" {
		t.Fatalf("replace did not install new events")
	}
	if d.CanUndo() {
		t.Fatal("undo stack must be cleared by replace")
	}
	if len(d.SelectedIDs()) != 0 || d.ActiveID() != -1 {
		t.Fatal("selection must be cleared by replace")
	}
	if d.GetScriptInfo("Title") != "Loaded" {
		t.Fatal("script info not replaced")
	}
}

func TestStrippedText(t *testing.T) {
	ev := &Event{Text: `{\an8}Top {\i1}line{\i0} text`}
	if got := ev.StrippedText(); got != "Top line text" {
		t.Fatalf("StrippedText = %q", got)
	}
}

func TestAddStyleRejectsDuplicate(t *testing.T) {
	d := New()
	s := DefaultStyle()
	if err := d.AddStyle(s); err == nil {
		t.Fatal("expected duplicate style error")
	}
	s2 := DefaultStyle()
	s2.Name = "Alt"
	if err := d.AddStyle(s2); err != nil {
		t.Fatalf("AddStyle: %v", err)
	}
	if d.FindStyle("Alt") == nil {
		t.Fatal("FindStyle failed after add")
	}
}

func TestCommitNotifiesListeners(t *testing.T) {
	d := New()
	var got CommitInfo
	d.OnCommit(func(info CommitInfo) { got = info })
	d.Commit("change", CommitText|CommitTime)
	if got.Description != "change" {
		t.Fatalf("listener saw %q", got.Description)
	}
	if got.Mask&CommitText == 0 || got.Mask&CommitTime == 0 {
		t.Fatalf("listener mask = %b", got.Mask)
	}
}
