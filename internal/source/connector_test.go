package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talentgraph/backend/internal/storage/models"
	"github.com/talentgraph/backend/pkg/utils"
)

func testSource(ref string) *models.Source {
	return &models.Source{
		ID:      "src-1",
		OwnerID: "alice",
		Ref:     ref,
		Type:    "resume",
	}
}

func TestFetchReturnsDocument(t *testing.T) {
	body := "SKILLS\nRust, Go"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(body))
	}))
	defer server.Close()

	c := NewConnector(5*time.Second, 3)
	doc, err := c.Fetch(context.Background(), testSource(server.URL))
	require.NoError(t, err)
	require.NotNil(t, doc)

	assert.Equal(t, "src-1", doc.SourceID)
	assert.Equal(t, "alice", doc.OwnerID)
	assert.Equal(t, []byte(body), doc.Content)
	assert.Equal(t, utils.HashBytes([]byte(body)), doc.Checksum)
	assert.Contains(t, doc.ContentType, "text/plain")
}

func TestFetchUnchangedChecksumShortCircuits(t *testing.T) {
	body := "same content as before"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer server.Close()

	src := testSource(server.URL)
	src.LastChecksum = utils.HashBytes([]byte(body))

	c := NewConnector(5*time.Second, 3)
	doc, err := c.Fetch(context.Background(), src)
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestFetchRetriesTransientFailure(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("recovered"))
	}))
	defer server.Close()

	c := NewConnector(5*time.Second, 3)
	doc, err := c.Fetch(context.Background(), testSource(server.URL))
	require.NoError(t, err)
	require.NotNil(t, doc)

	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestFetchPermanentFailureNoRetry(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	c := NewConnector(5*time.Second, 3)
	_, err := c.Fetch(context.Background(), testSource(server.URL))
	require.ErrorIs(t, err, ErrPermanentFailure)

	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestFetchTransientExhaustion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := NewConnector(5*time.Second, 2)
	_, err := c.Fetch(context.Background(), testSource(server.URL))
	require.ErrorIs(t, err, ErrSourceUnavailable)
}
