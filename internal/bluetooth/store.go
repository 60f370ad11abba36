package bluetooth

import "sync"

// RecordBuffer is a thread-safe buffer of raw records captured during one
// pass. The capture goroutine appends while the coordinator copies and
// resets; the lock is only held for those operations.
type RecordBuffer struct {
	mu      sync.Mutex
	records []Record
}

// NewRecordBuffer creates an empty buffer.
func NewRecordBuffer() *RecordBuffer {
	return &RecordBuffer{}
}

// Append stores a copy of r.
func (b *RecordBuffer) Append(r Record) {
	cp := make(Record, len(r))
	copy(cp, r)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, cp)
}

// Reset drops every buffered record.
func (b *RecordBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = nil
}

// Snapshot returns the buffered records in capture order. The records are
// never mutated after Append, so sharing them is safe.
func (b *RecordBuffer) Snapshot() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Record(nil), b.records...)
}

// Len returns the number of buffered records.
func (b *RecordBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}
