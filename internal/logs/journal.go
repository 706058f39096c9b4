package logs

import (
	"sort"
	"sync"
	"time"

	"github.com/narvanalabs/botrunner/internal/models"
)

const (
	// DefaultPageSize is used when a caller asks for a page of size <= 0.
	DefaultPageSize = 100
	// DefaultMaxLines bounds the in-memory journal. Older lines stay in persistence.
	DefaultMaxLines = 10000
	// MaxQRRows caps one QR block. A longer run of QR rows starts a new block.
	MaxQRRows = 128
)

// EventKind identifies what happened to a journal.
type EventKind string

const (
	EventLine  EventKind = "line"
	EventQR    EventKind = "qr"
	EventClear EventKind = "clear"
)

// Event describes a journal change. Line is zero for EventClear.
type Event struct {
	Key  models.DeploymentKey `json:"key"`
	Kind EventKind            `json:"kind"`
	Line models.LogLine       `json:"line"`
}

// Observer receives journal events in append order. It is called with the
// journal lock held and must not block.
type Observer func(Event)

// Journal is the append-only log of one deployment plus its QR slot.
type Journal struct {
	mu        sync.RWMutex
	key       models.DeploymentKey
	lines     []models.LogLine
	nextID    int64
	trimmed   bool
	maxLines  int
	qr        *models.LogLine
	qrOpen    bool
	qrRows    int
	observers []Observer
	now       func() time.Time
}

// NewJournal creates an empty journal. maxLines <= 0 uses DefaultMaxLines.
func NewJournal(key models.DeploymentKey, maxLines int) *Journal {
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	return &Journal{
		key:      key,
		nextID:   1,
		maxLines: maxLines,
		now:      time.Now,
	}
}

// Observe registers an observer for future events.
func (j *Journal) Observe(o Observer) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.observers = append(j.observers, o)
}

// Append records a message. Lines that look like a QR code go to the QR slot
// instead of the main sequence; consecutive QR lines build one QR block.
// The returned bool reports whether the line went to the QR slot.
func (j *Journal) Append(stream models.LogStream, message string) (models.LogLine, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.now().UTC()

	if stream == models.LogStreamStdout && IsQRLine(message) {
		if j.qrOpen && j.qr != nil && j.qrRows < MaxQRRows {
			j.qr.Message += "\n" + message
			j.qr.Timestamp = now
			j.qrRows++
		} else {
			j.qr = &models.LogLine{Stream: stream, Message: message, Timestamp: now}
			j.qrOpen = true
			j.qrRows = 1
		}
		qr := *j.qr
		j.emit(Event{Key: j.key, Kind: EventQR, Line: qr})
		return qr, true
	}
	j.qrOpen = false

	line := models.LogLine{
		ID:        j.nextID,
		Stream:    stream,
		Message:   message,
		Timestamp: now,
	}
	j.nextID++

	if len(j.lines) >= j.maxLines {
		drop := j.maxLines / 10
		if drop < 1 {
			drop = 1
		}
		j.lines = append(j.lines[:0:0], j.lines[drop:]...)
		j.trimmed = true
	}
	j.lines = append(j.lines, line)

	j.emit(Event{Key: j.key, Kind: EventLine, Line: line})
	return line, false
}

// Page returns up to size lines immediately preceding beforeID, oldest first.
// beforeID <= 0 returns the tail.
func (j *Journal) Page(beforeID int64, size int) []models.LogLine {
	if size <= 0 {
		size = DefaultPageSize
	}

	j.mu.RLock()
	defer j.mu.RUnlock()

	end := len(j.lines)
	if beforeID > 0 {
		end = sort.Search(len(j.lines), func(i int) bool {
			return j.lines[i].ID >= beforeID
		})
	}
	start := end - size
	if start < 0 {
		start = 0
	}

	out := make([]models.LogLine, end-start)
	copy(out, j.lines[start:end])
	return out
}

// Tail returns the last n lines.
func (j *Journal) Tail(n int) []models.LogLine {
	return j.Page(0, n)
}

// QR returns the current QR slot, or nil.
func (j *Journal) QR() *models.LogLine {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.qr == nil {
		return nil
	}
	qr := *j.qr
	return &qr
}

// Clear empties the main sequence and the QR slot. IDs keep increasing
// afterwards so cursors held by readers never alias new lines.
func (j *Journal) Clear() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lines = nil
	j.qr = nil
	j.qrOpen = false
	j.qrRows = 0
	j.trimmed = false
	j.emit(Event{Key: j.key, Kind: EventClear})
}

// Restore replaces the journal contents with previously persisted lines.
// Observers are not notified.
func (j *Journal) Restore(lines []models.LogLine) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if len(lines) > j.maxLines {
		lines = lines[len(lines)-j.maxLines:]
		j.trimmed = true
	}
	j.lines = append([]models.LogLine(nil), lines...)
	if n := len(j.lines); n > 0 && j.lines[n-1].ID >= j.nextID {
		j.nextID = j.lines[n-1].ID + 1
	}
}

// Len returns the number of lines held in memory.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.lines)
}

// LastID returns the ID of the most recent line, or 0 when empty.
func (j *Journal) LastID() int64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if len(j.lines) == 0 {
		return 0
	}
	return j.lines[len(j.lines)-1].ID
}

// Truncated reports whether older lines were dropped from memory and must be
// read from persistence, and the first ID still held.
func (j *Journal) Truncated() (bool, int64) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if !j.trimmed || len(j.lines) == 0 {
		return j.trimmed, j.nextID
	}
	return true, j.lines[0].ID
}

func (j *Journal) emit(ev Event) {
	for _, o := range j.observers {
		o(ev)
	}
}
