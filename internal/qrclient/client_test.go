package qrclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/decode", r.URL.Path)
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		switch req["image_url"] {
		case "https://img/ok.png":
			json.NewEncoder(w).Encode(map[string]string{"text": "a@x.edu"})
		case "https://img/blank.png":
			json.NewEncoder(w).Encode(map[string]string{"text": ""})
		default:
			w.WriteHeader(http.StatusUnprocessableEntity)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, false)
	ctx := context.Background()

	text, err := c.Decode(ctx, "https://img/ok.png")
	require.NoError(t, err)
	assert.Equal(t, "a@x.edu", text)

	// an unreadable image is an error, never an empty success
	_, err = c.Decode(ctx, "https://img/blank.png")
	assert.Error(t, err)

	_, err = c.Decode(ctx, "https://img/bad.png")
	assert.Error(t, err)
}

func TestDecodeSkipMode(t *testing.T) {
	c := New("http://unused", true)
	text, err := c.Decode(context.Background(), "pre-decoded@x.edu")
	require.NoError(t, err)
	assert.Equal(t, "pre-decoded@x.edu", text)
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	assert.NoError(t, New(srv.URL, false).Health(context.Background()))
	assert.Error(t, New(srv.URL+"/nope", false).Health(context.Background()))
}
