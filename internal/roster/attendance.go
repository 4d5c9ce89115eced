package roster

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"classcheck/internal/docstore"
)

// Attendance implements the attendance write protocol on top of the remote
// store's transaction primitive. Callers must not assume success until the
// returned error resolves.
type Attendance struct {
	store docstore.Store
}

// NewAttendance builds the protocol over the given store.
func NewAttendance(store docstore.Store) *Attendance {
	return &Attendance{store: store}
}

func (a *Attendance) loadClass(tx docstore.Tx, classID string) (ClassRoster, error) {
	doc, err := tx.Get(docstore.Classes, classID)
	if errors.Is(err, docstore.ErrNotFound) {
		return ClassRoster{}, ErrNotFound
	}
	if err != nil {
		return ClassRoster{}, err
	}
	c, ok := ParseClassDoc(doc)
	if !ok {
		return ClassRoster{}, ErrNotFound
	}
	return c, nil
}

func mapTxErr(err error) error {
	if errors.Is(err, docstore.ErrConflict) {
		return fmt.Errorf("%w: attendance write retries exhausted", ErrPrecondition)
	}
	return err
}

// MarkPresent overlays {identity: true} onto the class's per-date map,
// preserving every other student's entry. Enrollment is validated against
// the same transactional read; the write only commits if the document is
// unchanged since that read.
func (a *Attendance) MarkPresent(ctx context.Context, classID, dateKey, identity string) error {
	return a.mark(ctx, classID, dateKey, identity, false)
}

// MarkByQR accepts a decoded QR string as "mark present" only when it
// resolves to an already-enrolled student of the open class. Anything else
// is the distinct ErrNotEnrolled rejection, never a silent no-op.
func (a *Attendance) MarkByQR(ctx context.Context, classID, dateKey, decoded string) error {
	return a.mark(ctx, classID, dateKey, decoded, true)
}

func (a *Attendance) mark(ctx context.Context, classID, dateKey, identity string, viaQR bool) error {
	if !ValidDateKey(dateKey) {
		return NewValidationError("malformed date key", FieldError{Field: "date", Reason: "must be YYYY-MM-DD"})
	}
	identity = NormalizeIdentity(identity)
	if identity == "" {
		return NewValidationError("identity required", FieldError{Field: "identity", Reason: "required"})
	}

	err := a.store.RunTransaction(ctx, func(tx docstore.Tx) error {
		c, err := a.loadClass(tx, classID)
		if err != nil {
			return err
		}
		if !c.HasStudent(identity) {
			if viaQR {
				return ErrNotEnrolled
			}
			return NewValidationError("student not in class roster",
				FieldError{Field: "identity", Reason: "not enrolled"})
		}
		if c.Attendance == nil {
			c.Attendance = make(map[string]map[string]bool)
		}
		day := make(map[string]bool, len(c.Attendance[dateKey])+1)
		for k, v := range c.Attendance[dateKey] {
			day[k] = v
		}
		day[identity] = true
		c.Attendance[dateKey] = day
		c.AttendanceHistory = markHistoryPresent(c.AttendanceHistory, dateKey, identity)

		body, err := c.encode()
		if err != nil {
			return err
		}
		tx.Set(docstore.Classes, classID, body)
		return nil
	})
	return mapTxErr(err)
}

// SaveDay overwrites the entire per-date map in one write and replaces (or
// prepends) the attendance-history entry for that date. History stays
// capped at HistoryCap entries, newest first, at most one entry per date.
func (a *Attendance) SaveDay(ctx context.Context, classID, dateKey string, marks map[string]bool) error {
	if !ValidDateKey(dateKey) {
		return NewValidationError("malformed date key", FieldError{Field: "date", Reason: "must be YYYY-MM-DD"})
	}

	normalized := make(map[string]bool, len(marks))
	for identity, present := range marks {
		normalized[NormalizeIdentity(identity)] = present
	}

	err := a.store.RunTransaction(ctx, func(tx docstore.Tx) error {
		c, err := a.loadClass(tx, classID)
		if err != nil {
			return err
		}
		for identity := range normalized {
			if !c.HasStudent(identity) {
				return NewValidationError("student not in class roster",
					FieldError{Field: "marks", Reason: identity + " not enrolled"})
			}
		}

		if c.Attendance == nil {
			c.Attendance = make(map[string]map[string]bool)
		}
		c.Attendance[dateKey] = normalized
		c.AttendanceHistory = upsertHistory(c.AttendanceHistory, historyEntry(dateKey, normalized))

		body, err := c.encode()
		if err != nil {
			return err
		}
		tx.Set(docstore.Classes, classID, body)
		return nil
	})
	return mapTxErr(err)
}

// markHistoryPresent keeps a saved day's history entry in agreement with a
// later single mark: the identity moves into Present and out of Absent.
// Dates never saved wholesale have no entry and stay that way.
func markHistoryPresent(history []HistoryEntry, dateKey, identity string) []HistoryEntry {
	for i, h := range history {
		if h.Date != dateKey {
			continue
		}
		entry := HistoryEntry{Date: h.Date, Present: []string{}, Absent: []string{}}
		for _, s := range h.Absent {
			if s != identity {
				entry.Absent = append(entry.Absent, s)
			}
		}
		already := false
		for _, s := range h.Present {
			entry.Present = append(entry.Present, s)
			if s == identity {
				already = true
			}
		}
		if !already {
			entry.Present = append(entry.Present, identity)
			sort.Strings(entry.Present)
		}
		out := append([]HistoryEntry(nil), history...)
		out[i] = entry
		return out
	}
	return history
}

func historyEntry(dateKey string, marks map[string]bool) HistoryEntry {
	entry := HistoryEntry{Date: dateKey, Present: []string{}, Absent: []string{}}
	for identity, present := range marks {
		if present {
			entry.Present = append(entry.Present, identity)
		} else {
			entry.Absent = append(entry.Absent, identity)
		}
	}
	sort.Strings(entry.Present)
	sort.Strings(entry.Absent)
	return entry
}

// upsertHistory replaces the entry for the same date or inserts the new
// one, keeps the list sorted newest-first, and truncates to HistoryCap.
func upsertHistory(history []HistoryEntry, entry HistoryEntry) []HistoryEntry {
	out := make([]HistoryEntry, 0, len(history)+1)
	out = append(out, entry)
	for _, h := range history {
		if h.Date == entry.Date {
			continue
		}
		out = append(out, h)
	}
	// dateKey is lexicographically ordered, so a plain string sort works
	sort.Slice(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	if len(out) > HistoryCap {
		out = out[:HistoryCap]
	}
	return out
}
