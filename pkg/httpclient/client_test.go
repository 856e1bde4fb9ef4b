package httpclient

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	client := New()
	assert.Equal(t, 3, client.maxRetries)
	assert.Equal(t, time.Second, client.baseDelay)
	assert.NotNil(t, client.strategyFunc)
}

func TestNewOptions(t *testing.T) {
	client := New(
		WithMaxRetries(5),
		WithBaseDelay(2*time.Second),
		WithHTTPClient(&http.Client{Timeout: 10 * time.Second}),
	)
	assert.Equal(t, 5, client.maxRetries)
	assert.Equal(t, 2*time.Second, client.baseDelay)
	assert.Equal(t, 10*time.Second, client.client.Timeout)
}

func TestDefaultRetryStrategy(t *testing.T) {
	assert.Equal(t, SmartRetry, DefaultRetryStrategy(http.StatusTooManyRequests))
	assert.Equal(t, SmartRetry, DefaultRetryStrategy(http.StatusServiceUnavailable))
	assert.Equal(t, ConservativeRetry, DefaultRetryStrategy(http.StatusInternalServerError))
	assert.Equal(t, ConservativeRetry, DefaultRetryStrategy(http.StatusBadGateway))
	assert.Equal(t, NoRetry, DefaultRetryStrategy(http.StatusOK))
	assert.Equal(t, NoRetry, DefaultRetryStrategy(http.StatusBadRequest))
}

func TestDoSuccessNoRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := New(WithMaxRetries(3), WithBaseDelay(time.Millisecond))
	req, err := http.NewRequest("GET", srv.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDoRetriesOn503ThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := New(WithMaxRetries(3), WithBaseDelay(time.Millisecond))
	req, err := http.NewRequest("GET", srv.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDoNoRetryOn400(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client := New(WithMaxRetries(3), WithBaseDelay(time.Millisecond))
	req, err := http.NewRequest("GET", srv.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.Error(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDoExhaustsRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := New(WithMaxRetries(2), WithBaseDelay(time.Millisecond))
	req, err := http.NewRequest("GET", srv.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.Error(t, err)
	if resp != nil {
		resp.Body.Close()
	}

	var retryErr *RetryableError
	require.ErrorAs(t, err, &retryErr)
	assert.Equal(t, http.StatusServiceUnavailable, retryErr.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}
