package saga

// CompensationEntry records how to undo one completed forward step.
type CompensationEntry struct {
	Step     StepName `json:"step_name"`
	Action   StepName `json:"action"`
	TargetID int64    `json:"target_id"`
	Sequence int      `json:"sequence"`
}

// CompensationRegistry is the append-only list of compensations of one saga,
// in the order their forward steps completed.
type CompensationRegistry struct {
	entries []CompensationEntry
}

// NewCompensationRegistry restores a registry from persisted entries.
func NewCompensationRegistry(entries []CompensationEntry) *CompensationRegistry {
	r := &CompensationRegistry{}
	r.entries = append(r.entries, entries...)
	return r
}

// Register appends the compensation of a completed step.
func (r *CompensationRegistry) Register(step, action StepName, targetID int64) CompensationEntry {
	entry := CompensationEntry{
		Step:     step,
		Action:   action,
		TargetID: targetID,
		Sequence: len(r.entries) + 1,
	}
	r.entries = append(r.entries, entry)
	return entry
}

// EntriesInReverse returns a fresh slice in undo order. Each call starts over.
func (r *CompensationRegistry) EntriesInReverse() []CompensationEntry {
	out := make([]CompensationEntry, len(r.entries))
	for i, entry := range r.entries {
		out[len(r.entries)-1-i] = entry
	}
	return out
}

// Entries returns a copy in registration order.
func (r *CompensationRegistry) Entries() []CompensationEntry {
	out := make([]CompensationEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of registered compensations.
func (r *CompensationRegistry) Len() int {
	return len(r.entries)
}
