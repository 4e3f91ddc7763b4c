package validity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHttpChecker(t *testing.T) {
	tests := map[string]struct {
		status        int
		body          string
		expected      Result
		expectedError bool
	}{
		"valid": {
			status:   http.StatusOK,
			body:     `{"valid": true, "groupKey": "channel-1"}`,
			expected: Result{Valid: true, GroupKey: "channel-1"},
		},
		"invalid with reason": {
			status:   http.StatusOK,
			body:     `{"valid": false, "reason": "not-embeddable"}`,
			expected: Result{Valid: false, Reason: ReasonNotEmbeddable},
		},
		"invalid without reason": {
			status:   http.StatusOK,
			body:     `{"valid": false}`,
			expected: Result{Valid: false, Reason: "invalid"},
		},
		"client error is definite": {
			status:   http.StatusBadRequest,
			body:     `bad`,
			expected: Result{Valid: false, Reason: "collaborator-status-400"},
		},
		"server error is transient": {
			status:        http.StatusBadGateway,
			body:          `oops`,
			expectedError: true,
		},
		"throttled is transient": {
			status:        http.StatusTooManyRequests,
			expectedError: true,
		},
		"garbage is transient": {
			status:        http.StatusOK,
			body:          `{not json`,
			expectedError: true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				var req checkRequest
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, "https://youtu.be/dQw4w9WgXcQ", req.TargetReference)
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			result, err := NewHttpChecker(server.URL, time.Second).Check(context.Background(), "https://youtu.be/dQw4w9WgXcQ")
			if tc.expectedError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, result)
		})
	}
}

func TestHttpChecker_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close()
	_, err := NewHttpChecker(server.URL, time.Second).Check(context.Background(), "https://youtu.be/dQw4w9WgXcQ")
	assert.Error(t, err)
}

func TestCachingChecker_CachesDefiniteAnswers(t *testing.T) {
	var calls int32
	delegate := CheckerFunc(func(ctx context.Context, ref string) (Result, error) {
		atomic.AddInt32(&calls, 1)
		return Result{Valid: false, Reason: ReasonPrivate}, nil
	})
	checker := NewCachingChecker(delegate, time.Minute)

	for i := 0; i < 3; i++ {
		result, err := checker.Check(context.Background(), "ref")
		require.NoError(t, err)
		assert.Equal(t, ReasonPrivate, result.Reason)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCachingChecker_DoesNotCacheFailures(t *testing.T) {
	var calls int32
	delegate := CheckerFunc(func(ctx context.Context, ref string) (Result, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return Result{}, errors.New("timeout")
		}
		return Result{Valid: true}, nil
	})
	checker := NewCachingChecker(delegate, time.Minute)

	_, err := checker.Check(context.Background(), "ref")
	assert.Error(t, err)
	result, err := checker.Check(context.Background(), "ref")
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestAcceptAllChecker(t *testing.T) {
	result, err := AcceptAllChecker{}.Check(context.Background(), "anything")
	require.NoError(t, err)
	assert.True(t, result.Valid)
}
