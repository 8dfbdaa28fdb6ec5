package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ollama-relay/internal/metrics"
	"ollama-relay/internal/model"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// chunkBody replays chunks one Read at a time, then returns err (io.EOF by default).
type chunkBody struct {
	mu     sync.Mutex
	chunks []string
	err    error
	reads  int
	closed bool
}

func (b *chunkBody) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.chunks) == 0 {
		if b.err != nil {
			return 0, b.err
		}
		return 0, io.EOF
	}
	b.reads++
	n := copy(p, b.chunks[0])
	if n < len(b.chunks[0]) {
		b.chunks[0] = b.chunks[0][n:]
	} else {
		b.chunks = b.chunks[1:]
	}
	return n, nil
}

func (b *chunkBody) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// blockingBody blocks until its context is done.
type blockingBody struct {
	ctx context.Context
}

func (b *blockingBody) Read([]byte) (int, error) {
	<-b.ctx.Done()
	return 0, b.ctx.Err()
}

func (b *blockingBody) Close() error { return nil }

// fakeUpstream records streaming calls and answers with a scripted response.
type fakeUpstream struct {
	mu       sync.Mutex
	calls    int
	payloads []any
	ctxs     []context.Context
	opened   chan struct{}

	respond func(ctx context.Context) (*model.UpstreamResponse, error)
}

func (f *fakeUpstream) Stream(ctx context.Context, method, path string, payload any) (*model.UpstreamResponse, error) {
	f.mu.Lock()
	f.calls++
	f.payloads = append(f.payloads, payload)
	f.ctxs = append(f.ctxs, ctx)
	f.mu.Unlock()
	if f.opened != nil {
		f.opened <- struct{}{}
	}
	return f.respond(ctx)
}

func (f *fakeUpstream) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func okResponse(body io.ReadCloser) (*model.UpstreamResponse, error) {
	return &model.UpstreamResponse{StatusCode: http.StatusOK, Header: http.Header{}, Body: body}, nil
}

func chunks(c ...string) func(context.Context) (*model.UpstreamResponse, error) {
	return func(context.Context) (*model.UpstreamResponse, error) {
		return okResponse(&chunkBody{chunks: c})
	}
}

func validRequest() model.ChatRequest {
	return model.ChatRequest{
		Model:    "llama3",
		Messages: []model.Message{{Role: model.RoleUser, Content: "hello"}},
	}
}

func collect(t *testing.T, st *Stream) []Event {
	t.Helper()
	var out []Event
	for ev := range st.All() {
		out = append(out, ev)
	}
	require.NoError(t, st.Close())
	return out
}

func kinds(evs []Event) []Kind {
	out := make([]Kind, len(evs))
	for i, ev := range evs {
		out[i] = ev.Kind
	}
	return out
}

func TestService_Open_ForwardsInOrderThenDone(t *testing.T) {
	up := &fakeUpstream{respond: chunks("{\"a\":1}\n{\"a\":", "2, \"done\":true}\n")}
	svc := newService(up, 0.7, discardLogger, nil)

	st, err := svc.Open(context.Background(), validRequest())
	require.NoError(t, err)
	evs := collect(t, st)

	require.Equal(t, []Kind{KindData, KindData, KindDone}, kinds(evs))
	assert.JSONEq(t, `{"a":1}`, string(evs[0].Data))
	assert.JSONEq(t, `{"a":2,"done":true}`, string(evs[1].Data))
	assert.NoError(t, st.Err())

	payload, ok := up.payloads[0].(model.UpstreamChatRequest)
	require.True(t, ok, "payload type %T", up.payloads[0])
	assert.True(t, payload.Stream)
	assert.Equal(t, 0.7, payload.Options.Temperature)
}

func TestService_Open_DoneMarkerStopsForwarding(t *testing.T) {
	body := &chunkBody{chunks: []string{"{\"n\":1,\"done\":true}\n{\"n\":2}\n", "{\"n\":3}\n"}}
	up := &fakeUpstream{respond: func(context.Context) (*model.UpstreamResponse, error) { return okResponse(body) }}
	svc := newService(up, 0.7, discardLogger, nil)

	st, err := svc.Open(context.Background(), validRequest())
	require.NoError(t, err)
	evs := collect(t, st)

	require.Equal(t, []Kind{KindData, KindDone}, kinds(evs))
	assert.Equal(t, 1, body.reads, "no reads after the completion marker")
	assert.True(t, body.closed)
}

func TestService_Open_EndWithoutMarkerEmitsDone(t *testing.T) {
	up := &fakeUpstream{respond: chunks("{\"n\":1}\n", "{\"n\":2}\n{\"partial\":")}
	svc := newService(up, 0.7, discardLogger, nil)

	st, err := svc.Open(context.Background(), validRequest())
	require.NoError(t, err)

	assert.Equal(t, []Kind{KindData, KindData, KindDone}, kinds(collect(t, st)))
}

func TestService_Open_FalsyMarkersDoNotTerminate(t *testing.T) {
	up := &fakeUpstream{respond: chunks(
		"{\"done\":false}\n{\"done\":0}\n{\"done\":\"\"}\n{\"done\":null}\n{\"done\":\"yes\"}\n{\"after\":1}\n",
	)}
	svc := newService(up, 0.7, discardLogger, nil)

	st, err := svc.Open(context.Background(), validRequest())
	require.NoError(t, err)
	evs := collect(t, st)

	// The truthy string marker ends the stream; {"after":1} is never sent.
	require.Equal(t, []Kind{KindData, KindData, KindData, KindData, KindData, KindDone}, kinds(evs))
	assert.JSONEq(t, `{"done":"yes"}`, string(evs[4].Data))
}

func TestService_Open_MalformedFragmentDropped(t *testing.T) {
	up := &fakeUpstream{respond: chunks("{\"broken\": }\n", "{\"ok\":true}\n")}
	m := metrics.New()
	svc := newService(up, 0.7, discardLogger, m)

	st, err := svc.Open(context.Background(), validRequest())
	require.NoError(t, err)
	evs := collect(t, st)

	require.Equal(t, []Kind{KindData, KindDone}, kinds(evs))
	assert.JSONEq(t, `{"ok":true}`, string(evs[0].Data))
}

func TestService_Open_TransportErrorBeforeBytes(t *testing.T) {
	up := &fakeUpstream{respond: func(context.Context) (*model.UpstreamResponse, error) {
		return nil, errors.New("dial tcp 127.0.0.1:11434: connect: connection refused")
	}}
	svc := newService(up, 0.7, discardLogger, nil)

	st, err := svc.Open(context.Background(), validRequest())
	require.NoError(t, err)
	evs := collect(t, st)

	require.Equal(t, []Kind{KindError}, kinds(evs))
	assert.Equal(t, MsgOpenFailed, evs[0].Message)
	assert.Error(t, st.Err())
}

func TestService_Open_NonSuccessStatus(t *testing.T) {
	up := &fakeUpstream{respond: func(context.Context) (*model.UpstreamResponse, error) {
		return &model.UpstreamResponse{
			StatusCode: http.StatusNotFound,
			Body:       io.NopCloser(strings.NewReader(`{"error":"model not found"}`)),
		}, nil
	}}
	svc := newService(up, 0.7, discardLogger, nil)

	st, err := svc.Open(context.Background(), validRequest())
	require.NoError(t, err)

	assert.Equal(t, []Kind{KindError}, kinds(collect(t, st)))
}

func TestService_Open_MidStreamError(t *testing.T) {
	body := &chunkBody{chunks: []string{"{\"n\":1}\n"}, err: errors.New("connection reset by peer")}
	up := &fakeUpstream{respond: func(context.Context) (*model.UpstreamResponse, error) { return okResponse(body) }}
	svc := newService(up, 0.7, discardLogger, nil)

	st, err := svc.Open(context.Background(), validRequest())
	require.NoError(t, err)
	evs := collect(t, st)

	require.Equal(t, []Kind{KindData, KindError}, kinds(evs))
	assert.Equal(t, MsgStreamError, evs[1].Message)
}

func TestService_Open_ValidationSkipsUpstream(t *testing.T) {
	tests := []struct {
		name string
		req  model.ChatRequest
	}{
		{"missing model", model.ChatRequest{Messages: validRequest().Messages}},
		{"missing messages", model.ChatRequest{Model: "llama3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := &fakeUpstream{respond: chunks("{\"done\":true}\n")}
			svc := newService(up, 0.7, discardLogger, nil)

			st, err := svc.Open(context.Background(), tt.req)
			require.Nil(t, st)
			require.ErrorIs(t, err, model.ErrInvalidRequest)
			assert.Zero(t, up.callCount())
		})
	}
}

func TestService_Open_CancelEndsWithoutTerminal(t *testing.T) {
	up := &fakeUpstream{respond: func(ctx context.Context) (*model.UpstreamResponse, error) {
		return okResponse(&blockingBody{ctx: ctx})
	}}
	svc := newService(up, 0.7, discardLogger, nil)

	ctx, cancel := context.WithCancel(context.Background())
	st, err := svc.Open(ctx, validRequest())
	require.NoError(t, err)

	cancel()
	assert.False(t, st.Next())
	assert.ErrorIs(t, st.Err(), context.Canceled)
	require.NoError(t, st.Close())
}

func TestStream_CloseCancelsUpstream(t *testing.T) {
	up := &fakeUpstream{respond: func(ctx context.Context) (*model.UpstreamResponse, error) {
		return okResponse(&blockingBody{ctx: ctx})
	}}
	svc := newService(up, 0.7, discardLogger, nil)

	st, err := svc.Open(context.Background(), validRequest())
	require.NoError(t, err)
	require.NoError(t, st.Close())
	require.NoError(t, st.Close())

	assert.ErrorIs(t, up.ctxs[0].Err(), context.Canceled)
}

func TestStream_AllIsSingleUse(t *testing.T) {
	up := &fakeUpstream{respond: chunks("{\"n\":1}\n")}
	svc := newService(up, 0.7, discardLogger, nil)

	st, err := svc.Open(context.Background(), validRequest())
	require.NoError(t, err)

	first := collect(t, st)
	second := collect(t, st)
	assert.Len(t, first, 2)
	assert.Empty(t, second)
}

func TestCompletionMarked(t *testing.T) {
	tests := []struct {
		obj  string
		want bool
	}{
		{`{"done":true}`, true},
		{`{"done":false}`, false},
		{`{"done":1}`, true},
		{`{"done":0}`, false},
		{`{"done":"stop"}`, true},
		{`{"done":""}`, false},
		{`{"done":null}`, false},
		{`{"done":{}}`, true},
		{`{"done":[]}`, true},
		{`{"message":{"done":true}}`, false},
		{`{}`, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, completionMarked([]byte(tt.obj)), tt.obj)
	}
}
