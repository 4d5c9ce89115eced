package roster

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"classcheck/internal/docstore"
)

// Enroller adds and removes students on a class roster. The roster's
// students set and the student profile's class list are written as
// sequential best-effort writes, not one atomic transaction: the roster is
// authoritative, and a later reconciliation pass can repair the profile
// side after a partial failure.
type Enroller struct {
	store docstore.Store
}

// NewEnroller builds the protocol over the given store.
func NewEnroller(store docstore.Store) *Enroller {
	return &Enroller{store: store}
}

// Profile loads a user profile by identity.
func (e *Enroller) Profile(ctx context.Context, identity string) (UserProfile, error) {
	doc, err := e.store.Get(ctx, docstore.Users, DocID(identity))
	if errors.Is(err, docstore.ErrNotFound) {
		return UserProfile{}, ErrNotFound
	}
	if err != nil {
		return UserProfile{}, err
	}
	var p UserProfile
	if err := json.Unmarshal(doc.Data, &p); err != nil {
		return UserProfile{}, err
	}
	if p.Identity == "" {
		p.Identity = NormalizeIdentity(identity)
	}
	return p, nil
}

// Add enrolls identity into the class. The identity must resolve to an
// existing profile whose role is Student (compared case-insensitively) and
// must not already be on the roster.
func (e *Enroller) Add(ctx context.Context, classID, identity string) error {
	identity = NormalizeIdentity(identity)
	if identity == "" {
		return NewValidationError("identity required", FieldError{Field: "identity", Reason: "required"})
	}

	// role is re-checked at add time, never trusted from cached state
	profile, err := e.Profile(ctx, identity)
	if err != nil {
		return err
	}
	if NormalizeRole(string(profile.Role)) != RoleStudent {
		return NewValidationError("only students may be enrolled",
			FieldError{Field: "identity", Reason: "role is not Student"})
	}

	var enrolled ClassRoster
	err = e.store.RunTransaction(ctx, func(tx docstore.Tx) error {
		doc, err := tx.Get(docstore.Classes, classID)
		if errors.Is(err, docstore.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		c, ok := ParseClassDoc(doc)
		if !ok {
			return ErrNotFound
		}
		if c.HasStudent(identity) {
			return NewValidationError("student already in class",
				FieldError{Field: "identity", Reason: "duplicate"})
		}
		c.Students = append(c.Students, StudentRef(identity))
		body, err := c.encode()
		if err != nil {
			return err
		}
		tx.Set(docstore.Classes, classID, body)
		enrolled = c
		return nil
	})
	if err != nil {
		return mapTxErr(err)
	}

	// best-effort profile back-reference; idempotent on retry
	e.addClassRef(ctx, profile, ClassRef{ClassID: enrolled.ID, Owner: enrolled.Owner, Meta: enrolled.Meta})
	return nil
}

func (e *Enroller) addClassRef(ctx context.Context, profile UserProfile, ref ClassRef) {
	for _, existing := range profile.Classes {
		if existing.ClassID == ref.ClassID {
			return
		}
	}
	profile.Classes = append(profile.Classes, ref)
	if err := e.writeClasses(ctx, profile); err != nil {
		log.Printf("enroll: profile back-reference for %s failed: %v", profile.Identity, err)
	}
}

// Remove unenrolls identity. Idempotent in both directions: a missing
// roster entry or profile back-reference is not an error.
func (e *Enroller) Remove(ctx context.Context, classID, identity string) error {
	identity = NormalizeIdentity(identity)

	err := e.store.RunTransaction(ctx, func(tx docstore.Tx) error {
		doc, err := tx.Get(docstore.Classes, classID)
		if errors.Is(err, docstore.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		c, ok := ParseClassDoc(doc)
		if !ok {
			return ErrNotFound
		}
		kept := c.Students[:0]
		for _, s := range c.Students {
			if string(s) != identity {
				kept = append(kept, s)
			}
		}
		if len(kept) == len(c.Students) {
			return nil
		}
		c.Students = kept
		body, err := c.encode()
		if err != nil {
			return err
		}
		tx.Set(docstore.Classes, classID, body)
		return nil
	})
	if err != nil {
		return mapTxErr(err)
	}

	e.removeClassRef(ctx, identity, classID)
	return nil
}

func (e *Enroller) removeClassRef(ctx context.Context, identity, classID string) {
	profile, err := e.Profile(ctx, identity)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Printf("enroll: profile read for %s failed: %v", identity, err)
		}
		return
	}
	kept := profile.Classes[:0]
	for _, ref := range profile.Classes {
		if ref.ClassID != classID {
			kept = append(kept, ref)
		}
	}
	if len(kept) == len(profile.Classes) {
		return
	}
	profile.Classes = kept
	if err := e.writeClasses(ctx, profile); err != nil {
		log.Printf("enroll: profile back-reference removal for %s failed: %v", identity, err)
	}
}

func (e *Enroller) writeClasses(ctx context.Context, profile UserProfile) error {
	if profile.Classes == nil {
		profile.Classes = []ClassRef{}
	}
	patch, err := json.Marshal(map[string][]ClassRef{"classes": profile.Classes})
	if err != nil {
		return err
	}
	return e.store.Set(ctx, docstore.Users, DocID(profile.Identity), patch, true)
}
