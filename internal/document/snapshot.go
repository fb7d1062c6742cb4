package document

// snapshot is a deep copy of the committed document state, used for undo.
// Selection is deliberately not part of a snapshot: undoing an edit should
// not yank the agent's selection around.
type snapshot struct {
	events    []*Event
	styles    []*Style
	info      []InfoEntry
	extradata []ExtradataEntry
}

func (d *Document) snapshot() snapshot {
	s := snapshot{
		events:    make([]*Event, len(d.events)),
		styles:    make([]*Style, len(d.styles)),
		info:      make([]InfoEntry, len(d.info)),
		extradata: make([]ExtradataEntry, len(d.extradata)),
	}
	for i, ev := range d.events {
		cp := *ev
		cp.Extradata = append([]uint32(nil), ev.Extradata...)
		s.events[i] = &cp
	}
	for i, st := range d.styles {
		cp := *st
		s.styles[i] = &cp
	}
	copy(s.info, d.info)
	copy(s.extradata, d.extradata)
	return s
}

func (d *Document) restore(s snapshot) {
	d.events = make([]*Event, len(s.events))
	d.slotByID = make(map[EventID]int, len(s.events))
	for i, ev := range s.events {
		cp := *ev
		cp.Extradata = append([]uint32(nil), ev.Extradata...)
		d.events[i] = &cp
		d.slotByID[cp.ID] = i
		if cp.ID >= d.nextID {
			d.nextID = cp.ID + 1
		}
	}
	d.styles = make([]*Style, len(s.styles))
	for i, st := range s.styles {
		cp := *st
		d.styles[i] = &cp
	}
	d.info = append([]InfoEntry(nil), s.info...)
	d.restoreExtradata(append([]ExtradataEntry(nil), s.extradata...))
	d.SetSelection(d.SelectedIDs(), d.active)
}
