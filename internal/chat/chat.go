// Package chat persists per-class chat messages in the document store.
// Rendering and delivery beyond store order live elsewhere.
package chat

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"classcheck/internal/docstore"
	"classcheck/internal/roster"
)

// Message is one chat message.
type Message struct {
	ID      string    `json:"id"`
	ClassID string    `json:"classId"`
	Sender  string    `json:"sender"`
	Body    string    `json:"body"`
	SentAt  time.Time `json:"sentAt"`
}

// Service appends and lists messages.
type Service struct {
	store docstore.Store
}

// NewService builds the chat service.
func NewService(store docstore.Store) *Service {
	return &Service{store: store}
}

// Send stores a message for a class.
func (s *Service) Send(ctx context.Context, classID, sender, body string) (Message, error) {
	if body == "" {
		return Message{}, roster.NewValidationError("message body required",
			roster.FieldError{Field: "body", Reason: "required"})
	}
	msg := Message{
		ID:      uuid.NewString(),
		ClassID: classID,
		Sender:  roster.NormalizeIdentity(sender),
		Body:    body,
		SentAt:  time.Now().UTC(),
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return Message{}, err
	}
	if err := s.store.Set(ctx, docstore.Messages, msg.ID, raw, false); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// List returns a class's messages oldest first.
func (s *Service) List(ctx context.Context, classID string) ([]Message, error) {
	docs, err := s.store.Query(ctx, docstore.Messages,
		docstore.Query{Field: "classId", Op: docstore.OpEqual, Value: classID})
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(docs))
	for _, doc := range docs {
		var msg Message
		if err := json.Unmarshal(doc.Data, &msg); err != nil {
			continue
		}
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	return out, nil
}
