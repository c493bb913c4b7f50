package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/collab-relay/internal/models"
)

func TestHTTPHistoryRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		require.Equal(t, "/api/rooms/lobby/messages", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var msg models.ChatMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		msg.ID = "saved-1"
		msg.CreatedAt = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
		w.WriteHeader(http.StatusCreated)
		require.NoError(t, json.NewEncoder(w).Encode(msg))
	}))
	t.Cleanup(srv.Close)

	logger := zerolog.Nop()
	h, err := NewHTTPHistory(srv.URL, "tok", WithRetries(2, time.Millisecond), WithHistoryLogger(&logger))
	require.NoError(t, err)

	saved, err := h.Save(context.Background(), models.ChatMessage{ChannelID: "lobby", Text: "hi"})
	require.NoError(t, err)
	require.Equal(t, "saved-1", saved.ID)
	require.Equal(t, "hi", saved.Text)
	require.EqualValues(t, 2, calls.Load())
}

func TestHTTPHistoryMapsStatus(t *testing.T) {
	for _, tc := range []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, models.ErrAuth},
		{http.StatusForbidden, models.ErrPermission},
		{http.StatusNotFound, models.ErrRoomNotFound},
	} {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tc.status)
			}))
			t.Cleanup(srv.Close)

			h, err := NewHTTPHistory(srv.URL, "tok", WithRetries(3, time.Millisecond))
			require.NoError(t, err)
			_, err = h.List(context.Background(), "lobby", 10)
			require.ErrorIs(t, err, tc.want)
			require.EqualValues(t, 1, calls.Load(), "client errors are not retried")
		})
	}
}

func TestHTTPHistoryList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "25", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"messages":[{"id":"m1","text":"first"},{"id":"m2","text":"second"}]}`))
	}))
	t.Cleanup(srv.Close)

	h, err := NewHTTPHistory(srv.URL, "tok")
	require.NoError(t, err)
	msgs, err := h.List(context.Background(), "lobby", 25)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "second", msgs[1].Text)
}

func TestHTTPHistoryGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	h, err := NewHTTPHistory(srv.URL, "tok", WithRetries(2, time.Millisecond))
	require.NoError(t, err)
	_, err = h.List(context.Background(), "lobby", 0)
	require.Error(t, err)
	require.EqualValues(t, 3, calls.Load())
}
