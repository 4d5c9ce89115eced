// Package roster implements the class-roster and attendance reconciliation
// engine: merging cached and remote roster state, live subscriptions,
// transactional attendance writes, and enrollment.
package roster

import (
	"encoding/json"
	"regexp"
	"strings"

	"classcheck/internal/docstore"
)

// Role is a user profile role. Stored values may arrive in mixed case;
// comparisons go through NormalizeRole.
type Role string

const (
	RoleStudent Role = "Student"
	RoleTeacher Role = "Teacher"
)

// NormalizeRole maps mixed-case stored roles onto the canonical constants.
// Unknown values pass through unchanged.
func NormalizeRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "student":
		return RoleStudent
	case "teacher":
		return RoleTeacher
	}
	return Role(s)
}

// UnknownOwner files records whose owner key could not be determined.
const UnknownOwner = "unknown"

// NormalizeIdentity lowercases and trims a student identity. Applied at
// every read and write boundary so membership checks never depend on case.
func NormalizeIdentity(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// DocID converts an identity into a document key. Email identities replace
// "." with "," to stay valid document ids; uids pass through.
func DocID(identity string) string {
	identity = NormalizeIdentity(identity)
	if strings.Contains(identity, "@") {
		return strings.ReplaceAll(identity, ".", ",")
	}
	return identity
}

var dateKeyRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// ValidDateKey reports whether s is a well-formed YYYY-MM-DD key.
func ValidDateKey(s string) bool {
	return dateKeyRe.MatchString(s)
}

// StudentRef is one enrolled student identity. Legacy documents stored
// students either as bare strings or as {"email": ...} objects; both decode
// into a normalized lowercase string here and are never re-detected
// downstream.
type StudentRef string

func (s *StudentRef) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = StudentRef(NormalizeIdentity(str))
		return nil
	}
	var obj struct {
		Email    string `json:"email"`
		Identity string `json:"identity"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	if obj.Email != "" {
		*s = StudentRef(NormalizeIdentity(obj.Email))
	} else {
		*s = StudentRef(NormalizeIdentity(obj.Identity))
	}
	return nil
}

func (s StudentRef) String() string { return string(s) }

// Meta is the descriptive header of a class.
type Meta struct {
	ID         string `json:"id,omitempty"`
	Subject    string `json:"subject"`
	Department string `json:"department,omitempty"`
	YearLevel  string `json:"yearLevel,omitempty"`
	Block      string `json:"block,omitempty"`
}

// HistoryEntry is one saved attendance day.
type HistoryEntry struct {
	Date    string   `json:"date"`
	Present []string `json:"present"`
	Absent  []string `json:"absent"`
}

// HistoryCap bounds AttendanceHistory to roughly one school year of
// distinct dates, newest first.
const HistoryCap = 365

// ClassRoster is the students, metadata, and attendance records of one
// class instance. The remote store is authoritative for it.
type ClassRoster struct {
	ID                string                     `json:"id,omitempty"`
	LegacyID          string                     `json:"classId,omitempty"`
	Owner             string                     `json:"owner,omitempty"`
	Meta              Meta                       `json:"meta"`
	Students          []StudentRef               `json:"students"`
	Attendance        map[string]map[string]bool `json:"attendance,omitempty"`
	AttendanceHistory []HistoryEntry             `json:"attendanceHistory,omitempty"`
}

// StableID resolves the dedup key for a record: explicit id, then the
// legacy secondary id, then meta.id, then the caller-supplied fallback
// (typically the remote document key). Empty means unresolvable.
func (c ClassRoster) StableID(fallback string) string {
	switch {
	case c.ID != "":
		return c.ID
	case c.LegacyID != "":
		return c.LegacyID
	case c.Meta.ID != "":
		return c.Meta.ID
	}
	return fallback
}

// HasStudent reports case-insensitive membership.
func (c ClassRoster) HasStudent(identity string) bool {
	identity = NormalizeIdentity(identity)
	for _, s := range c.Students {
		if string(s) == identity {
			return true
		}
	}
	return false
}

// DayAttendance returns the per-date presence view. AttendanceHistory is
// canonical when an entry for the date exists; the attendance map serves as
// a derived index otherwise.
func (c ClassRoster) DayAttendance(dateKey string) map[string]bool {
	for _, h := range c.AttendanceHistory {
		if h.Date == dateKey {
			out := make(map[string]bool, len(h.Present)+len(h.Absent))
			for _, s := range h.Present {
				out[NormalizeIdentity(s)] = true
			}
			for _, s := range h.Absent {
				out[NormalizeIdentity(s)] = false
			}
			return out
		}
	}
	day, ok := c.Attendance[dateKey]
	if !ok {
		return nil
	}
	out := make(map[string]bool, len(day))
	for identity, present := range day {
		out[NormalizeIdentity(identity)] = present
	}
	return out
}

// ClassRef is a back-reference stored on a student profile.
type ClassRef struct {
	ClassID string `json:"classId"`
	Owner   string `json:"owner"`
	Meta    Meta   `json:"meta"`
}

// UserProfile is one registered user. Created at registration, never
// destroyed by this subsystem.
type UserProfile struct {
	Identity        string     `json:"identity"`
	Email           string     `json:"email"`
	FirstName       string     `json:"firstName"`
	LastName        string     `json:"lastName"`
	Role            Role       `json:"role"`
	Gender          string     `json:"gender,omitempty"`
	ProfileImageURL string     `json:"profileImageUrl,omitempty"`
	Classes         []ClassRef `json:"classes"`
}

// TeacherIndex is the legacy per-teacher denormalized class summary list.
type TeacherIndex struct {
	Classes []ClassSummary `json:"classes"`
}

// ClassSummary is one denormalized entry in the legacy index.
type ClassSummary struct {
	ID   string `json:"id"`
	Meta Meta   `json:"meta"`
}

// ParseClassDoc decodes a class document, resolving its stable id against
// the document key and filling a missing owner with the sentinel. ok is
// false when no id could be resolved; such records are dropped.
func ParseClassDoc(doc docstore.Document) (ClassRoster, bool) {
	var c ClassRoster
	if err := json.Unmarshal(doc.Data, &c); err != nil {
		return ClassRoster{}, false
	}
	id := c.StableID(doc.ID)
	if id == "" {
		return ClassRoster{}, false
	}
	c.ID = id
	if c.Owner == "" {
		c.Owner = UnknownOwner
	}
	for dateKey, day := range c.Attendance {
		normalized := make(map[string]bool, len(day))
		for identity, present := range day {
			normalized[NormalizeIdentity(identity)] = present
		}
		c.Attendance[dateKey] = normalized
	}
	return c, true
}

// encode marshals a roster into a document body.
func (c ClassRoster) encode() (json.RawMessage, error) {
	return json.Marshal(c)
}
