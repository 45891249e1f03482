package global

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDisabledClientIsUnavailable(t *testing.T) {
	c := NewClient(Config{})
	err := c.Ping(context.Background())
	require.True(t, errors.Is(err, ErrUnavailable))
}

func TestRetriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(Config{ServerURL: srv.URL, BackoffBase: time.Millisecond, MaxRetries: 3})
	require.NoError(t, c.Ping(context.Background()))
	require.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestExhaustedRetriesAreUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(Config{ServerURL: srv.URL, BackoffBase: time.Millisecond, MaxRetries: 2})
	err := c.Ping(context.Background())
	require.True(t, errors.Is(err, ErrUnavailable))
}

func TestClientRejectionIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(Config{ServerURL: srv.URL, BackoffBase: time.Millisecond, MaxRetries: 3})
	err := c.Ping(context.Background())
	require.Error(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestSearchSymbols(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/symbols/search", r.URL.Path)
		w.Write([]byte(`{"symbols":[{"id":"s1","name":"Thing","kind":"function"}]}`))
	}))
	defer srv.Close()

	c := NewClient(Config{ServerURL: srv.URL, BackoffBase: time.Millisecond})
	syms, err := c.SearchSymbols(context.Background(), "thing", 5, 1000)
	require.NoError(t, err)
	require.Len(t, syms, 1)
	require.Equal(t, "s1", syms[0].ID)
}
