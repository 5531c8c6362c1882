package record

// Merge joins custom attributes onto the base records by ID.
//
// The result keeps base order and contains every base ID exactly once: the
// first occurrence of a duplicated base ID wins. Base values win on column
// collisions and IDs present only in custom are dropped. Inputs are not
// modified.
func Merge(base []Record, custom map[string]Fields) []Record {
	seen := make(map[string]struct{}, len(base))
	out := make([]Record, 0, len(base))

	for _, r := range base {
		if r.ID == "" {
			continue
		}
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}

		merged := r.Clone()
		if merged.Fields == nil {
			merged.Fields = make(Fields)
		}
		for k, v := range custom[r.ID] {
			if _, exists := merged.Fields[k]; exists {
				continue
			}
			merged.Fields[k] = v
		}
		out = append(out, merged)
	}

	return out
}

// IDs returns the unique record IDs in first-seen order.
func IDs(records []Record) []string {
	seen := make(map[string]struct{}, len(records))
	ids := make([]string, 0, len(records))
	for _, r := range records {
		if r.ID == "" {
			continue
		}
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}
		ids = append(ids, r.ID)
	}
	return ids
}
