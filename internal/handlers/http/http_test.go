package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workq/internal/domain"
	"workq/internal/task"
)

func request(t *testing.T, args any) *task.Request {
	t.Helper()
	b, err := json.Marshal(args)
	require.NoError(t, err)
	return task.NewRequest(&domain.Instance{ID: "i-1", Task: "ops.http", Args: b, Attempt: 1}, nil)
}

func TestHTTPSuccess(t *testing.T) {
	var got *http.Request
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	h := HTTP{Defaults: Request{Method: "post", Headers: map[string]string{"X-Team": "ops", "X-Env": "dev"}}}
	out, err := h.Handle(context.Background(), request(t, Request{
		URL:     srv.URL + "/hook",
		Body:    `{"report":1}`,
		Headers: map[string]string{"X-Env": "prod"},
	}))
	require.NoError(t, err)

	res := out.(Response)
	assert.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Equal(t, `{"ok":true}`, res.Body)
	assert.Equal(t, "application/json", res.Headers["Content-Type"])

	require.NotNil(t, got)
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/hook", got.URL.Path)
	assert.Equal(t, "ops", got.Header.Get("X-Team"))
	assert.Equal(t, "prod", got.Header.Get("X-Env"))
	assert.Equal(t, "i-1", got.Header.Get("X-Workq-Instance"))
	assert.Equal(t, `{"report":1}`, gotBody)
}

func TestHTTPStatusClassification(t *testing.T) {
	cases := []struct {
		code      int
		permanent bool
	}{
		{http.StatusInternalServerError, false},
		{http.StatusBadGateway, false},
		{http.StatusTooManyRequests, false},
		{http.StatusNotFound, true},
		{http.StatusBadRequest, true},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tc.code)
		}))
		_, err := HTTP{}.Handle(context.Background(), request(t, Request{URL: srv.URL}))
		srv.Close()
		require.Error(t, err, "status %d", tc.code)
		assert.Equal(t, tc.permanent, task.IsPermanent(err), "status %d", tc.code)
	}
}

func TestHTTPRequiresURL(t *testing.T) {
	_, err := HTTP{}.Handle(context.Background(), request(t, Request{Method: "GET"}))
	require.Error(t, err)
	assert.True(t, task.IsPermanent(err))
}

func TestHTTPTransportErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := HTTP{}.Handle(context.Background(), request(t, Request{URL: url}))
	require.Error(t, err)
	assert.False(t, task.IsPermanent(err))
}
