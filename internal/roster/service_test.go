package roster

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classcheck/internal/docstore"
)

func teacherIndex(t *testing.T, store *docstore.Memory, owner string) TeacherIndex {
	t.Helper()
	doc, err := store.Get(context.Background(), docstore.Teachers, DocID(owner))
	require.NoError(t, err)
	var idx TeacherIndex
	require.NoError(t, json.Unmarshal(doc.Data, &idx))
	return idx
}

func TestCreateClass(t *testing.T) {
	store := docstore.NewMemory()
	svc := NewService(store)

	c, err := svc.CreateClass(context.Background(), "T@X.edu", CreateClassInput{
		Subject:    "Math",
		Department: "Sciences",
		YearLevel:  "3",
		Block:      "A",
	})
	require.NoError(t, err)
	require.NotEmpty(t, c.ID)
	assert.Equal(t, "t@x.edu", c.Owner)
	assert.Empty(t, c.Students)
	assert.Empty(t, c.Attendance)

	// stored and readable back
	got, err := svc.GetClass(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, "Math", got.Meta.Subject)

	// legacy per-teacher index carries the summary
	idx := teacherIndex(t, store, "t@x.edu")
	require.Len(t, idx.Classes, 1)
	assert.Equal(t, c.ID, idx.Classes[0].ID)
}

func TestCreateClassRequiresSubject(t *testing.T) {
	svc := NewService(docstore.NewMemory())
	_, err := svc.CreateClass(context.Background(), "t@x.edu", CreateClassInput{})
	assert.True(t, IsValidation(err))
}

func TestGetClassNotFound(t *testing.T) {
	svc := NewService(docstore.NewMemory())
	_, err := svc.GetClass(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteClassCascades(t *testing.T) {
	store := docstore.NewMemory()
	svc := NewService(store)
	ctx := context.Background()

	c, err := svc.CreateClass(ctx, "t@x.edu", CreateClassInput{Subject: "Math"})
	require.NoError(t, err)
	seedProfile(t, store, UserProfile{Identity: "a@x.edu", Role: RoleStudent})
	require.NoError(t, svc.Enroller().Add(ctx, c.ID, "a@x.edu"))

	require.NoError(t, svc.DeleteClass(ctx, "t@x.edu", c.ID))

	_, err = svc.GetClass(ctx, c.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, loadProfile(t, store, "a@x.edu").Classes)
	assert.Empty(t, teacherIndex(t, store, "t@x.edu").Classes)
}

func TestDeleteClassWrongOwner(t *testing.T) {
	store := docstore.NewMemory()
	svc := NewService(store)
	ctx := context.Background()

	c, err := svc.CreateClass(ctx, "t@x.edu", CreateClassInput{Subject: "Math"})
	require.NoError(t, err)

	err = svc.DeleteClass(ctx, "other@x.edu", c.ID)
	require.True(t, IsValidation(err))

	_, err = svc.GetClass(ctx, c.ID)
	assert.NoError(t, err)
}

func TestDeleteClassNotFound(t *testing.T) {
	svc := NewService(docstore.NewMemory())
	assert.ErrorIs(t, svc.DeleteClass(context.Background(), "t@x.edu", "nope"), ErrNotFound)
}

func TestRegisterUser(t *testing.T) {
	store := docstore.NewMemory()
	svc := NewService(store)

	p, err := svc.RegisterUser(context.Background(), RegisterInput{
		Email:     "A@X.edu",
		FirstName: "Ada",
		LastName:  "Lovelace",
		Role:      "student",
	})
	require.NoError(t, err)
	assert.Equal(t, "a@x.edu", p.Identity)
	assert.Equal(t, RoleStudent, p.Role)
	assert.NotNil(t, p.Classes)

	stored := loadProfile(t, store, "a@x.edu")
	assert.Equal(t, "a@x.edu", stored.Email)
}

func TestRegisterUserPrefersUID(t *testing.T) {
	svc := NewService(docstore.NewMemory())
	p, err := svc.RegisterUser(context.Background(), RegisterInput{
		UID:       "uid-42",
		Email:     "a@x.edu",
		FirstName: "Ada",
		LastName:  "Lovelace",
		Role:      "Teacher",
	})
	require.NoError(t, err)
	assert.Equal(t, "uid-42", p.Identity)
	assert.Equal(t, RoleTeacher, p.Role)
}

func TestRegisterUserValidation(t *testing.T) {
	svc := NewService(docstore.NewMemory())

	tests := []struct {
		name string
		in   RegisterInput
	}{
		{"missing email", RegisterInput{FirstName: "A", LastName: "B", Role: "Student"}},
		{"bad email", RegisterInput{Email: "not-an-email", FirstName: "A", LastName: "B", Role: "Student"}},
		{"missing name", RegisterInput{Email: "a@x.edu", Role: "Student"}},
		{"unknown role", RegisterInput{Email: "a@x.edu", FirstName: "A", LastName: "B", Role: "Admin"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.RegisterUser(context.Background(), tt.in)
			assert.True(t, IsValidation(err), "want validation error, got %v", err)
		})
	}
}

func TestSetProfileImage(t *testing.T) {
	store := docstore.NewMemory()
	svc := NewService(store)
	seedProfile(t, store, UserProfile{Identity: "a@x.edu", Role: RoleStudent})

	require.NoError(t, svc.SetProfileImage(context.Background(), "a@x.edu", "https://img.example/x.png"))
	assert.Equal(t, "https://img.example/x.png", loadProfile(t, store, "a@x.edu").ProfileImageURL)

	assert.True(t, IsValidation(svc.SetProfileImage(context.Background(), "a@x.edu", "")))
}
