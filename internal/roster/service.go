package roster

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"classcheck/internal/docstore"
)

// Service covers class lifecycle and user registration. Destructive
// operations expect the caller to have confirmed them; deletion cascades
// are sequential best-effort writes with no rollback.
type Service struct {
	store    docstore.Store
	enroller *Enroller
	validate *validator.Validate
}

// NewService builds the service.
func NewService(store docstore.Store) *Service {
	return &Service{
		store:    store,
		enroller: NewEnroller(store),
		validate: validator.New(),
	}
}

// Enroller exposes the enrollment protocol sharing this service's store.
func (s *Service) Enroller() *Enroller { return s.enroller }

// CreateClassInput is the validated class creation payload.
type CreateClassInput struct {
	Subject    string `json:"subject" validate:"required"`
	Department string `json:"department"`
	YearLevel  string `json:"yearLevel"`
	Block      string `json:"block"`
}

// CreateClass creates an empty roster owned by owner.
func (s *Service) CreateClass(ctx context.Context, owner string, in CreateClassInput) (ClassRoster, error) {
	if err := s.validate.Struct(in); err != nil {
		return ClassRoster{}, NewValidationError("invalid class",
			FieldError{Field: "subject", Reason: "required"})
	}
	owner = NormalizeIdentity(owner)
	c := ClassRoster{
		ID:    uuid.NewString(),
		Owner: owner,
		Meta: Meta{
			Subject:    in.Subject,
			Department: in.Department,
			YearLevel:  in.YearLevel,
			Block:      in.Block,
		},
		Students:          []StudentRef{},
		Attendance:        map[string]map[string]bool{},
		AttendanceHistory: []HistoryEntry{},
	}
	body, err := c.encode()
	if err != nil {
		return ClassRoster{}, err
	}
	if err := s.store.Set(ctx, docstore.Classes, c.ID, body, false); err != nil {
		return ClassRoster{}, err
	}

	// legacy per-teacher index, best effort
	if err := s.appendTeacherIndex(ctx, owner, ClassSummary{ID: c.ID, Meta: c.Meta}); err != nil {
		log.Printf("classes: legacy index update for %s failed: %v", owner, err)
	}
	return c, nil
}

// GetClass loads one class and enforces visibility for the caller.
func (s *Service) GetClass(ctx context.Context, classID string) (ClassRoster, error) {
	doc, err := s.store.Get(ctx, docstore.Classes, classID)
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

// DeleteClass removes the class and cascades: every enrolled student's
// profile loses its back-reference and the legacy per-teacher index entry
// is dropped. Steps after the first are best effort; a partial failure is
// repaired by later reconciliation, not rolled back.
func (s *Service) DeleteClass(ctx context.Context, owner, classID string) error {
	owner = NormalizeIdentity(owner)
	c, err := s.GetClass(ctx, classID)
	if err != nil {
		return err
	}
	if c.Owner != owner && c.Owner != UnknownOwner {
		return NewValidationError("class belongs to another owner",
			FieldError{Field: "classId", Reason: "not owned by caller"})
	}

	if err := s.store.Delete(ctx, docstore.Classes, classID); err != nil {
		return err
	}
	for _, student := range c.Students {
		s.enroller.removeClassRef(ctx, string(student), classID)
	}
	if err := s.removeTeacherIndex(ctx, owner, classID); err != nil {
		log.Printf("classes: legacy index removal for %s failed: %v", owner, err)
	}
	return nil
}

func (s *Service) appendTeacherIndex(ctx context.Context, owner string, summary ClassSummary) error {
	return s.store.RunTransaction(ctx, func(tx docstore.Tx) error {
		var idx TeacherIndex
		doc, err := tx.Get(docstore.Teachers, DocID(owner))
		switch {
		case errors.Is(err, docstore.ErrNotFound):
		case err != nil:
			return err
		default:
			if uerr := json.Unmarshal(doc.Data, &idx); uerr != nil {
				log.Printf("classes: legacy index for %s unreadable, rebuilding: %v", owner, uerr)
				idx = TeacherIndex{}
			}
		}
		for _, existing := range idx.Classes {
			if existing.ID == summary.ID {
				return nil
			}
		}
		idx.Classes = append(idx.Classes, summary)
		body, err := json.Marshal(idx)
		if err != nil {
			return err
		}
		tx.Set(docstore.Teachers, DocID(owner), body)
		return nil
	})
}

func (s *Service) removeTeacherIndex(ctx context.Context, owner, classID string) error {
	return s.store.RunTransaction(ctx, func(tx docstore.Tx) error {
		doc, err := tx.Get(docstore.Teachers, DocID(owner))
		if errors.Is(err, docstore.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var idx TeacherIndex
		if err := json.Unmarshal(doc.Data, &idx); err != nil {
			return nil
		}
		kept := idx.Classes[:0]
		for _, summary := range idx.Classes {
			if summary.ID != classID {
				kept = append(kept, summary)
			}
		}
		if len(kept) == len(idx.Classes) {
			return nil
		}
		idx.Classes = kept
		body, err := json.Marshal(idx)
		if err != nil {
			return err
		}
		tx.Set(docstore.Teachers, DocID(owner), body)
		return nil
	})
}

// RegisterInput is the validated registration payload. Identity comes from
// the external auth provider when it supplies a uid; otherwise the
// normalized email serves as identity.
type RegisterInput struct {
	UID       string `json:"uid"`
	Email     string `json:"email" validate:"required,email"`
	FirstName string `json:"firstName" validate:"required"`
	LastName  string `json:"lastName" validate:"required"`
	Role      string `json:"role" validate:"required"`
	Gender    string `json:"gender"`
}

// RegisterUser creates or updates a user profile.
func (s *Service) RegisterUser(ctx context.Context, in RegisterInput) (UserProfile, error) {
	if err := s.validate.Struct(in); err != nil {
		return UserProfile{}, validationFromStruct(err)
	}
	role := NormalizeRole(in.Role)
	if role != RoleStudent && role != RoleTeacher {
		return UserProfile{}, NewValidationError("unknown role",
			FieldError{Field: "role", Reason: "must be Student or Teacher"})
	}
	identity := NormalizeIdentity(in.UID)
	if identity == "" {
		identity = NormalizeIdentity(in.Email)
	}
	p := UserProfile{
		Identity:  identity,
		Email:     NormalizeIdentity(in.Email),
		FirstName: in.FirstName,
		LastName:  in.LastName,
		Role:      role,
		Gender:    in.Gender,
		Classes:   []ClassRef{},
	}
	body, err := json.Marshal(p)
	if err != nil {
		return UserProfile{}, err
	}
	if err := s.store.Set(ctx, docstore.Users, DocID(identity), body, true); err != nil {
		return UserProfile{}, err
	}
	return p, nil
}

// SetProfileImage stores the uploaded image URL on the profile. Only the
// URL is retained; the upload itself happens elsewhere.
func (s *Service) SetProfileImage(ctx context.Context, identity, url string) error {
	if url == "" {
		return NewValidationError("image url required", FieldError{Field: "url", Reason: "required"})
	}
	patch, err := json.Marshal(map[string]string{"profileImageUrl": url})
	if err != nil {
		return err
	}
	return s.store.Set(ctx, docstore.Users, DocID(identity), patch, true)
}

func validationFromStruct(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]FieldError, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, FieldError{Field: fe.Field(), Reason: fe.Tag()})
		}
		return NewValidationError("invalid input", fields...)
	}
	return NewValidationError("invalid input")
}
