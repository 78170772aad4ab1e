package ics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchOneUsesCacheOn304(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write(fixture)
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir(), WithHTTPClient(srv.Client()))
	src := Source{ID: "main", URL: srv.URL + "/cal.ics"}

	first, err := f.FetchOne(context.Background(), src)
	require.NoError(t, err)
	assert.False(t, first.FromCache)
	assert.Equal(t, fixture, first.Body)

	second, err := f.FetchOne(context.Background(), src)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, fixture, second.Body)
	assert.Equal(t, int32(2), hits.Load())
}

func TestFetchOneFailsOnErrorStatusEvenWithCache(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		_, _ = w.Write(fixture)
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir(), WithHTTPClient(srv.Client()))
	src := Source{ID: "main", URL: srv.URL}

	_, err := f.FetchOne(context.Background(), src)
	require.NoError(t, err)

	fail.Store(true)
	_, err = f.FetchOne(context.Background(), src)
	assert.ErrorContains(t, err, "502")
}

func TestFetchOneRejectsOversizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(fixture)
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir(), WithHTTPClient(srv.Client()))
	src := Source{ID: "main", URL: srv.URL}

	f.maxBody = int64(len(fixture))
	res, err := f.FetchOne(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, fixture, res.Body)

	f.maxBody = int64(len(fixture)) - 1
	_, err = f.FetchOne(context.Background(), src)
	assert.ErrorContains(t, err, "exceeds")
}

func TestFetchOneRejectsEmptyURL(t *testing.T) {
	_, err := NewFetcher(t.TempDir()).FetchOne(context.Background(), Source{ID: "x"})
	assert.Error(t, err)
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://calendar.example.com/...(redacted)",
		RedactURL("https://calendar.example.com/private/abc.ics?token=secret"))
	assert.Equal(t, "https://host/...(redacted)", RedactURL("https://user:pw@host/x"))
	assert.Equal(t, "ics://...(redacted)", RedactURL("not a url"))
	assert.Equal(t, "https://example.com/a.ics", normalizeURL("webcal://example.com/a.ics"))
}
