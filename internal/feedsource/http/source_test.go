package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycelian/shard-watch/internal/changefeed"
)

func TestSource_DecodesRowsThenStop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/db1/_changes", r.URL.Path)
		assert.Equal(t, "normal", r.URL.Query().Get("feed"))
		assert.Equal(t, "true", r.URL.Query().Get("include_docs"))
		assert.Equal(t, "5", r.URL.Query().Get("since"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"results": [
				{"id": "doc1", "seq": "6", "doc": {"k": "v"}},
				{"id": "doc2", "deleted": true, "seq": "7"}
			],
			"last_seq": "7"
		}`))
	}))
	defer srv.Close()

	src := New(srv.URL)
	feed, err := src.OpenChanges(context.Background(), "db1", changefeed.Sequence("5"))
	require.NoError(t, err)
	defer feed.Close()

	f1, err := feed.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, changefeed.FrameChange, f1.Kind)
	assert.Equal(t, "doc1", f1.Row.ID)
	assert.False(t, f1.Row.Deleted)

	f2, err := feed.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, changefeed.FrameChange, f2.Kind)
	assert.Equal(t, "doc2", f2.Row.ID)
	assert.True(t, f2.Row.Deleted)

	f3, err := feed.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, changefeed.FrameStop, f3.Kind)
	assert.Equal(t, changefeed.Sequence("7"), f3.EndSeq)
}

func TestSource_EmptyResultsStillStops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results": [], "last_seq": 3}`))
	}))
	defer srv.Close()

	src := New(srv.URL)
	feed, err := src.OpenChanges(context.Background(), "db1", "")
	require.NoError(t, err)
	defer feed.Close()

	// An empty results array must not trigger a second Decode of an
	// already-consumed body; Next must surface exactly one FrameStop.
	frame, err := feed.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, changefeed.FrameStop, frame.Kind)
	assert.Equal(t, changefeed.Sequence("3"), frame.EndSeq)
}

func TestSource_404MapsToErrDatabaseDoesNotExist(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	src := New(srv.URL)
	_, err := src.OpenChanges(context.Background(), "missing", "")
	assert.ErrorIs(t, err, changefeed.ErrDatabaseDoesNotExist)
}

func TestSource_ServerErrorIsSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	src := New(srv.URL)
	_, err := src.OpenChanges(context.Background(), "db1", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}
