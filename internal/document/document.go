// Package document holds the subtitle document: timed events, styles, script
// info and the per-event extradata store. All mutation must happen on the
// owner goroutine (see internal/dispatch); the document itself does no
// locking.
package document

import (
	"sort"
	"strings"
)

// EventID is a stable per-session identifier for an event. IDs are assigned
// once at creation and never reused, so they can be handed to background
// workers and resolved later on the owner goroutine.
type EventID int

// Event is one timed subtitle record.
type Event struct {
	ID      EventID
	Start   int // ms
	End     int // ms
	Layer   int
	Style   string
	Actor   string
	Effect  string
	Text    string
	Comment bool
	Margin  [3]int // l, r, vertical

	// Extradata holds ids into the document's extradata store.
	Extradata []uint32
}

// Duration returns the event length in milliseconds.
func (e *Event) Duration() int { return e.End - e.Start }

// StrippedText returns Text with override blocks removed.
func (e *Event) StrippedText() string {
	var b strings.Builder
	depth := 0
	for _, r := range e.Text {
		switch {
		case r == '{':
			depth++
		case r == '}':
			if depth > 0 {
				depth--
			}
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// CommitMask describes which aspects of the document a commit touched.
// Listeners use it to decide what to refresh or persist.
type CommitMask uint32

const (
	CommitTime CommitMask = 1 << iota
	CommitText
	CommitMeta
	CommitAddRem
	CommitStyles
	CommitScriptInfo
	CommitExtradata
	CommitOrder
)

// CommitInfo is passed to commit listeners.
type CommitInfo struct {
	Description string
	Mask        CommitMask
}

// ExtradataEntry is one record in the append-only extradata store.
type ExtradataEntry struct {
	ID    uint32
	Key   string
	Value string
}

// InfoEntry is one script-info key/value pair. Order is preserved.
type InfoEntry struct {
	Key   string
	Value string
}

const undoDepth = 32

// Document is the complete editable state of a subtitle session.
type Document struct {
	events    []*Event
	slotByID  map[EventID]int
	nextID    EventID
	styles    []*Style
	info      []InfoEntry
	extradata []ExtradataEntry
	nextExtra uint32

	listeners []func(CommitInfo)

	selection map[EventID]struct{}
	active    EventID

	undo []snapshot
	last snapshot

	// Filename of the loaded/saved subtitle file, empty for a fresh session.
	Filename string
}

// New creates an empty document with default script info and one default
// style, mirroring what a fresh subtitle file contains.
func New() *Document {
	d := &Document{
		slotByID:  map[EventID]int{},
		nextExtra: 1,
		selection: map[EventID]struct{}{},
		active:    -1,
	}
	d.info = []InfoEntry{
		{Key: "Title", Value: "Default file"},
		{Key: "ScriptType", Value: "v4.00+"},
		{Key: "PlayResX", Value: "640"},
		{Key: "PlayResY", Value: "480"},
	}
	d.styles = []*Style{DefaultStyle()}
	d.last = d.snapshot()
	return d
}

// Len returns the number of events.
func (d *Document) Len() int { return len(d.events) }

// At returns the event at the given index, or nil when out of range.
func (d *Document) At(index int) *Event {
	if index < 0 || index >= len(d.events) {
		return nil
	}
	return d.events[index]
}

// ByID resolves an event id to the event, or nil if it no longer exists.
func (d *Document) ByID(id EventID) *Event {
	slot, ok := d.slotByID[id]
	if !ok {
		return nil
	}
	return d.events[slot]
}

// IndexOf returns the current index of an event id, or -1.
func (d *Document) IndexOf(id EventID) int {
	slot, ok := d.slotByID[id]
	if !ok {
		return -1
	}
	return slot
}

// Each calls fn for every event in order until fn returns false.
func (d *Document) Each(fn func(index int, ev *Event) bool) {
	for i, ev := range d.events {
		if !fn(i, ev) {
			return
		}
	}
}

// Insert adds events at position pos (append when pos < 0 or beyond the end)
// and assigns fresh ids. It returns the assigned ids in insertion order.
func (d *Document) Insert(pos int, events ...*Event) []EventID {
	ids := make([]EventID, 0, len(events))
	for _, ev := range events {
		ev.ID = d.nextID
		d.nextID++
		ids = append(ids, ev.ID)
	}
	if pos < 0 || pos > len(d.events) {
		pos = len(d.events)
	}
	d.events = append(d.events[:pos], append(events, d.events[pos:]...)...)
	d.reindex(pos)
	return ids
}

// Remove deletes the events with the given ids. Missing ids are ignored.
// It returns the number of events removed.
func (d *Document) Remove(ids ...EventID) int {
	doomed := make(map[EventID]struct{}, len(ids))
	for _, id := range ids {
		doomed[id] = struct{}{}
	}
	kept := d.events[:0]
	removed := 0
	for _, ev := range d.events {
		if _, gone := doomed[ev.ID]; gone {
			delete(d.slotByID, ev.ID)
			delete(d.selection, ev.ID)
			if d.active == ev.ID {
				d.active = -1
			}
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	d.events = kept
	d.reindex(0)
	return removed
}

func (d *Document) reindex(from int) {
	for i := from; i < len(d.events); i++ {
		d.slotByID[d.events[i].ID] = i
	}
}

// SortField names a sortable event attribute.
type SortField string

const (
	SortStart  SortField = "start_time"
	SortEnd    SortField = "end_time"
	SortStyle  SortField = "style"
	SortActor  SortField = "actor"
	SortEffect SortField = "effect"
	SortLayer  SortField = "layer"
)

// Sort orders events by field. When limit is non-empty only events whose
// ids are in limit are reordered; they are sorted among themselves and
// placed back into the slots they occupied.
func (d *Document) Sort(field SortField, limit map[EventID]struct{}) bool {
	less := comparatorFor(field)
	if less == nil {
		return false
	}
	if len(limit) == 0 {
		sort.SliceStable(d.events, func(i, j int) bool { return less(d.events[i], d.events[j]) })
		d.reindex(0)
		return true
	}
	slots := make([]int, 0, len(limit))
	subset := make([]*Event, 0, len(limit))
	for i, ev := range d.events {
		if _, ok := limit[ev.ID]; ok {
			slots = append(slots, i)
			subset = append(subset, ev)
		}
	}
	sort.SliceStable(subset, func(i, j int) bool { return less(subset[i], subset[j]) })
	for i, slot := range slots {
		d.events[slot] = subset[i]
	}
	d.reindex(0)
	return true
}

func comparatorFor(field SortField) func(a, b *Event) bool {
	switch field {
	case SortStart:
		return func(a, b *Event) bool { return a.Start < b.Start }
	case SortEnd:
		return func(a, b *Event) bool { return a.End < b.End }
	case SortStyle:
		return func(a, b *Event) bool { return a.Style < b.Style }
	case SortActor:
		return func(a, b *Event) bool { return a.Actor < b.Actor }
	case SortEffect:
		return func(a, b *Event) bool { return a.Effect < b.Effect }
	case SortLayer:
		return func(a, b *Event) bool { return a.Layer < b.Layer }
	}
	return nil
}

// ScriptInfo returns the ordered script info entries.
func (d *Document) ScriptInfo() []InfoEntry { return d.info }

// GetScriptInfo returns the value for key, or "".
func (d *Document) GetScriptInfo(key string) string {
	for _, e := range d.info {
		if e.Key == key {
			return e.Value
		}
	}
	return ""
}

// SetScriptInfo sets or appends a script info entry.
func (d *Document) SetScriptInfo(key, value string) {
	for i, e := range d.info {
		if e.Key == key {
			d.info[i].Value = value
			return
		}
	}
	d.info = append(d.info, InfoEntry{Key: key, Value: value})
}

// Resolution reads PlayResX/PlayResY from script info.
func (d *Document) Resolution() (int, int) {
	return atoiDefault(d.GetScriptInfo("PlayResX"), 0), atoiDefault(d.GetScriptInfo("PlayResY"), 0)
}

// AddExtradata appends a new entry to the extradata store and returns its id.
func (d *Document) AddExtradata(key, value string) uint32 {
	id := d.nextExtra
	d.nextExtra++
	d.extradata = append(d.extradata, ExtradataEntry{ID: id, Key: key, Value: value})
	return id
}

// GetExtradata resolves extradata ids to entries, skipping unknown ids.
func (d *Document) GetExtradata(ids []uint32) []ExtradataEntry {
	var out []ExtradataEntry
	for _, want := range ids {
		for _, e := range d.extradata {
			if e.ID == want {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

// AllExtradata returns the whole store, for serialization.
func (d *Document) AllExtradata() []ExtradataEntry { return d.extradata }

// AttachExtradata adds a store entry and attaches it to the event, removing
// any previously attached entry with the same key first so a key holds at
// most one value per event.
func (d *Document) AttachExtradata(ev *Event, key, value string) {
	id := d.AddExtradata(key, value)
	existing := d.GetExtradata(ev.Extradata)
	kept := ev.Extradata[:0]
	for _, eid := range ev.Extradata {
		stale := false
		for _, e := range existing {
			if e.ID == eid && e.Key == key {
				stale = true
				break
			}
		}
		if !stale {
			kept = append(kept, eid)
		}
	}
	ev.Extradata = append(kept, id)
}

// restoreExtradata is used by snapshot restore and file loading.
func (d *Document) restoreExtradata(entries []ExtradataEntry) {
	d.extradata = entries
	d.nextExtra = 1
	for _, e := range entries {
		if e.ID >= d.nextExtra {
			d.nextExtra = e.ID + 1
		}
	}
}

// Replace swaps in freshly loaded state, as after opening a file. Events get
// fresh ids, the selection and undo stack are reset. The caller commits.
func (d *Document) Replace(info []InfoEntry, styles []*Style, events []*Event, extradata []ExtradataEntry) {
	d.events = nil
	d.slotByID = map[EventID]int{}
	d.selection = map[EventID]struct{}{}
	d.active = -1
	d.info = info
	d.styles = styles
	d.restoreExtradata(extradata)
	d.Insert(-1, events...)
	d.undo = nil
	d.last = d.snapshot()
}

// OnCommit registers a listener invoked synchronously (on the owner
// goroutine) after every commit.
func (d *Document) OnCommit(fn func(CommitInfo)) {
	d.listeners = append(d.listeners, fn)
}

// Commit records the mutation that just happened: it pushes the previous
// committed state onto the undo stack and notifies listeners.
func (d *Document) Commit(description string, mask CommitMask) {
	d.undo = append(d.undo, d.last)
	if len(d.undo) > undoDepth {
		d.undo = d.undo[len(d.undo)-undoDepth:]
	}
	d.last = d.snapshot()
	info := CommitInfo{Description: description, Mask: mask}
	for _, fn := range d.listeners {
		fn(info)
	}
}

// CanUndo reports whether an undo step is available.
func (d *Document) CanUndo() bool { return len(d.undo) > 0 }

// Undo restores the most recent pre-commit state and notifies listeners
// with a full mask. It returns false when the undo stack is empty.
func (d *Document) Undo() bool {
	if len(d.undo) == 0 {
		return false
	}
	snap := d.undo[len(d.undo)-1]
	d.undo = d.undo[:len(d.undo)-1]
	d.restore(snap)
	d.last = snap
	info := CommitInfo{
		Description: "undo",
		Mask:        CommitTime | CommitText | CommitMeta | CommitAddRem | CommitStyles | CommitScriptInfo | CommitExtradata | CommitOrder,
	}
	for _, fn := range d.listeners {
		fn(info)
	}
	return true
}

func atoiDefault(s string, def int) int {
	n := 0
	if s == "" {
		return def
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return def
		}
		n = n*10 + int(r-'0')
	}
	return n
}
