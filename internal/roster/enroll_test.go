package roster

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classcheck/internal/docstore"
)

func seedProfile(t *testing.T, store *docstore.Memory, p UserProfile) {
	t.Helper()
	body, err := json.Marshal(p)
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), docstore.Users, DocID(p.Identity), body, false))
}

func loadProfile(t *testing.T, store *docstore.Memory, identity string) UserProfile {
	t.Helper()
	doc, err := store.Get(context.Background(), docstore.Users, DocID(identity))
	require.NoError(t, err)
	var p UserProfile
	require.NoError(t, json.Unmarshal(doc.Data, &p))
	return p
}

func TestAddEnrollsStudent(t *testing.T) {
	store := docstore.NewMemory()
	seedClass(t, store, class("c1", "t@x.edu", "Math"))
	seedProfile(t, store, UserProfile{Identity: "a@x.edu", Email: "a@x.edu", Role: RoleStudent})

	e := NewEnroller(store)
	require.NoError(t, e.Add(context.Background(), "c1", "A@X.edu"))

	assert.True(t, loadClass(t, store, "c1").HasStudent("a@x.edu"))

	// profile gains the back-reference
	p := loadProfile(t, store, "a@x.edu")
	require.Len(t, p.Classes, 1)
	assert.Equal(t, "c1", p.Classes[0].ClassID)
}

func TestAddRejectsNonStudentRole(t *testing.T) {
	store := docstore.NewMemory()
	seedClass(t, store, class("c1", "t@x.edu", "Math"))
	seedProfile(t, store, UserProfile{Identity: "other@x.edu", Role: RoleTeacher})

	e := NewEnroller(store)
	err := e.Add(context.Background(), "c1", "other@x.edu")

	require.True(t, IsValidation(err))
	assert.False(t, loadClass(t, store, "c1").HasStudent("other@x.edu"))
}

func TestAddAcceptsMixedCaseRole(t *testing.T) {
	store := docstore.NewMemory()
	seedClass(t, store, class("c1", "t@x.edu", "Math"))
	// legacy profiles stored roles in arbitrary case
	seedProfile(t, store, UserProfile{Identity: "a@x.edu", Role: Role("sTuDeNt")})

	e := NewEnroller(store)
	require.NoError(t, e.Add(context.Background(), "c1", "a@x.edu"))
	assert.True(t, loadClass(t, store, "c1").HasStudent("a@x.edu"))
}

func TestAddRejectsMissingProfile(t *testing.T) {
	store := docstore.NewMemory()
	seedClass(t, store, class("c1", "t@x.edu", "Math"))

	e := NewEnroller(store)
	assert.ErrorIs(t, e.Add(context.Background(), "c1", "ghost@x.edu"), ErrNotFound)
}

func TestAddRejectsDuplicateCaseInsensitive(t *testing.T) {
	store := docstore.NewMemory()
	seedClass(t, store, class("c1", "t@x.edu", "Math", "a@x.edu"))
	seedProfile(t, store, UserProfile{Identity: "a@x.edu", Role: RoleStudent})

	e := NewEnroller(store)
	err := e.Add(context.Background(), "c1", "A@X.EDU")

	require.True(t, IsValidation(err))
	assert.Len(t, loadClass(t, store, "c1").Students, 1)
}

func TestAddUnknownClass(t *testing.T) {
	store := docstore.NewMemory()
	seedProfile(t, store, UserProfile{Identity: "a@x.edu", Role: RoleStudent})

	e := NewEnroller(store)
	assert.ErrorIs(t, e.Add(context.Background(), "nope", "a@x.edu"), ErrNotFound)
}

func TestRemoveStudent(t *testing.T) {
	store := docstore.NewMemory()
	seedClass(t, store, class("c1", "t@x.edu", "Math", "a@x.edu", "b@x.edu"))
	seedProfile(t, store, UserProfile{
		Identity: "a@x.edu",
		Role:     RoleStudent,
		Classes:  []ClassRef{{ClassID: "c1", Owner: "t@x.edu"}},
	})

	e := NewEnroller(store)
	require.NoError(t, e.Remove(context.Background(), "c1", "a@x.edu"))

	c := loadClass(t, store, "c1")
	assert.False(t, c.HasStudent("a@x.edu"))
	assert.True(t, c.HasStudent("b@x.edu"))
	assert.Empty(t, loadProfile(t, store, "a@x.edu").Classes)
}

func TestRemoveIsIdempotent(t *testing.T) {
	store := docstore.NewMemory()
	seedClass(t, store, class("c1", "t@x.edu", "Math", "b@x.edu"))

	e := NewEnroller(store)
	// not on the roster, no profile either: still not an error
	require.NoError(t, e.Remove(context.Background(), "c1", "a@x.edu"))
	require.NoError(t, e.Remove(context.Background(), "c1", "a@x.edu"))
	assert.Len(t, loadClass(t, store, "c1").Students, 1)
}

func TestProfileFallsBackToRequestedIdentity(t *testing.T) {
	store := docstore.NewMemory()
	body := mustJSON(t, map[string]any{"email": "a@x.edu", "role": "Student"})
	require.NoError(t, store.Set(context.Background(), docstore.Users, DocID("a@x.edu"), body, false))

	e := NewEnroller(store)
	p, err := e.Profile(context.Background(), "A@X.edu")
	require.NoError(t, err)
	assert.Equal(t, "a@x.edu", p.Identity)
}
