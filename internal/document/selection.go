package document

// SelectedIDs returns the selected event ids in document order.
func (d *Document) SelectedIDs() []EventID {
	var out []EventID
	for _, ev := range d.events {
		if _, ok := d.selection[ev.ID]; ok {
			out = append(out, ev.ID)
		}
	}
	return out
}

// ActiveID returns the active event id, or -1 when none is active.
func (d *Document) ActiveID() EventID {
	if d.active >= 0 && d.ByID(d.active) == nil {
		return -1
	}
	return d.active
}

// SetSelection swaps the selection set and active event in one step.
// Unknown ids are dropped; an unknown active becomes -1.
func (d *Document) SetSelection(ids []EventID, active EventID) {
	sel := make(map[EventID]struct{}, len(ids))
	for _, id := range ids {
		if d.ByID(id) != nil {
			sel[id] = struct{}{}
		}
	}
	d.selection = sel
	if active >= 0 && d.ByID(active) != nil {
		d.active = active
	} else {
		d.active = -1
	}
}

// IsSelected reports whether the id is in the selection set.
func (d *Document) IsSelected(id EventID) bool {
	_, ok := d.selection[id]
	return ok
}
