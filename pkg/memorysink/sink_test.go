package memorysink

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/pkg/turn"
)

type fakeSink struct {
	appends atomic.Int32
	err     error
}

func (f *fakeSink) Append(ctx context.Context, summary TurnSummary) error {
	f.appends.Add(1)
	return f.err
}

func TestAsyncRecorder_RecordsInBackground(t *testing.T) {
	sink := &fakeSink{}
	rec := NewAsyncRecorder(sink, time.Second, nil)

	rec.Record(TurnSummary{TurnID: "t1", State: turn.StateCompleted})
	rec.Flush()

	assert.Equal(t, int32(1), sink.appends.Load())
}

func TestAsyncRecorder_FailureDoesNotPropagate(t *testing.T) {
	sink := &fakeSink{err: errors.New("memory down")}
	rec := NewAsyncRecorder(sink, time.Second, nil)

	rec.Record(TurnSummary{TurnID: "t1"})
	rec.Flush()

	assert.Equal(t, int32(1), sink.appends.Load())
}

func TestAsyncRecorder_NilSinkIsNoop(t *testing.T) {
	rec := NewAsyncRecorder(nil, time.Second, nil)
	rec.Record(TurnSummary{TurnID: "t1"})
	rec.Flush()
}

func TestHTTPSink_PostsSummary(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		received.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink, err := NewHTTPSink(srv.URL, srv.Client())
	require.NoError(t, err)

	err = sink.Append(context.Background(), TurnSummary{TurnID: "t1", SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), received.Load())
}

func TestHTTPSink_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "full", http.StatusInsufficientStorage)
	}))
	defer srv.Close()

	sink, err := NewHTTPSink(srv.URL, srv.Client())
	require.NoError(t, err)

	assert.Error(t, sink.Append(context.Background(), TurnSummary{TurnID: "t1"}))
}
