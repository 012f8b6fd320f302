package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/coreweave-labs/inferunner/internal/streams"
	"github.com/coreweave-labs/inferunner/internal/transport"
	"github.com/coreweave-labs/inferunner/internal/types"
	telemetryhealth "github.com/coreweave-labs/inferunner/telemetry/health"
)

// fakeWorker is a minimal transport.WorkerRuntime stand-in: it answers
// every RPC the Engine issues with a canned response, and for
// generate_stream it asynchronously pushes a single token chunk followed
// by a completion through the Engine's StreamSink, the way the real
// worker process would push over its own transport.
type fakeWorker struct {
	mu     sync.Mutex
	engine *Engine
}

func (w *fakeWorker) bind(e *Engine) {
	w.mu.Lock()
	w.engine = e
	w.mu.Unlock()
}

func (w *fakeWorker) Call(ctx context.Context, method string, params []byte) ([]byte, error) {
	switch method {
	case "load_model", "draft_load_model":
		return []byte(`{"context_length":4096,"tokenizer":{"type":"bpe","vocab_size":32000},"metadata":{"parameter_count":7000000000,"dtype":"bf16","architecture":"llama"}}`), nil
	case "unload_model", "draft_unload_model", "warmup_model", "draft_warmup_model", "cancel_stream":
		return []byte(`{}`), nil
	case "generate_stream":
		streamID := uuid.NewString()
		go w.emit(streamID)
		return json.Marshal(map[string]string{"stream_id": streamID})
	case "tokenize_batch":
		var reqs []TokenizeRequest
		if err := json.Unmarshal(params, &reqs); err != nil {
			return nil, err
		}
		out := make([]map[string]any, len(reqs))
		for i := range reqs {
			out[i] = map[string]any{"tokens": []int{1, 2, 3}}
		}
		return json.Marshal(out)
	default:
		return nil, fmt.Errorf("fakeWorker: unknown method %q", method)
	}
}

func (w *fakeWorker) emit(streamID string) {
	time.Sleep(time.Millisecond)
	w.mu.Lock()
	e := w.engine
	w.mu.Unlock()
	if e == nil {
		return
	}
	tokenPayload, _ := json.Marshal(map[string]string{"token": "hello"})
	e.Dispatch(transport.StreamEvent{StreamID: streamID, Kind: "token", Payload: tokenPayload})
	e.Dispatch(transport.StreamEvent{StreamID: streamID, Kind: "completed"})
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	worker := &fakeWorker{}
	e, err := New(Defaults(), worker)
	require.NoError(t, err)
	worker.bind(e)
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	return e
}

func TestLoadModelReturnsReadyHandle(t *testing.T) {
	e := newTestEngine(t)

	handle, err := e.LoadModel(context.Background(), types.ModelDescriptor{ID: "llama-7b", Modality: types.ModalityText})
	require.NoError(t, err)
	require.Equal(t, types.HandleReady, handle.State)
	require.Equal(t, 32000, handle.Tokenizer.VocabSize)
	require.Equal(t, 1, e.models.LoadedCount())
}

func TestListModelsReturnsLoadedHandles(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.LoadModel(context.Background(), types.ModelDescriptor{ID: "llama-7b"})
	require.NoError(t, err)

	handles := e.ListModels()
	require.Len(t, handles, 1)
	require.Equal(t, "llama-7b", handles[0].Descriptor.ID)
}

func TestIsDraftModelCompatibleComparesVocabSize(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.LoadModel(context.Background(), types.ModelDescriptor{ID: "base"})
	require.NoError(t, err)
	_, err = e.LoadDraftModel(context.Background(), types.ModelDescriptor{ID: "draft"})
	require.NoError(t, err)

	ok, err := e.IsDraftModelCompatible("base", "draft")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCreateGeneratorStreamsTokensThenCompletes(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.LoadModel(context.Background(), types.ModelDescriptor{ID: "llama-7b"})
	require.NoError(t, err)

	gen, err := e.CreateGenerator(context.Background(), GenerateParams{ModelID: "llama-7b", Prompt: "hi", MaxTokens: 8})
	require.NoError(t, err)

	var tokens []string
	for chunk := range gen.Chunks {
		if chunk.Kind == streams.ChunkToken {
			tokens = append(tokens, chunk.Token)
		}
		if chunk.Final {
			break
		}
	}
	require.Equal(t, []string{"hello"}, tokens)
}

func TestGenerateReturnsFullText(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.LoadModel(context.Background(), types.ModelDescriptor{ID: "llama-7b"})
	require.NoError(t, err)

	text, err := e.Generate(context.Background(), GenerateParams{ModelID: "llama-7b", Prompt: "hi", MaxTokens: 8})
	require.NoError(t, err)
	require.Equal(t, "hello", text)
}

func TestGenerateJoinsIdenticalInFlightRequest(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.LoadModel(context.Background(), types.ModelDescriptor{ID: "llama-7b"})
	require.NoError(t, err)

	params := GenerateParams{ModelID: "llama-7b", Prompt: "same prompt", MaxTokens: 8}
	results := make([]string, 2)
	errsOut := make([]error, 2)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errsOut[i] = e.Generate(context.Background(), params)
		}()
	}
	wg.Wait()

	require.NoError(t, errsOut[0])
	require.NoError(t, errsOut[1])
	require.Equal(t, results[0], results[1])
}

func TestGenerateRejectsInvalidParams(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Generate(context.Background(), GenerateParams{ModelID: "llama-7b"})
	require.Error(t, err)
}

func TestTokenizeReturnsTokenCount(t *testing.T) {
	e := newTestEngine(t)

	res, err := e.Tokenize(context.Background(), TokenizeRequest{ModelID: "llama-7b", Text: "hello world"})
	require.NoError(t, err)
	require.Equal(t, 3, res.Count)
	require.Equal(t, []int{1, 2, 3}, res.Tokens)
}

func TestGetRuntimeInfoReflectsStartupState(t *testing.T) {
	e := newTestEngine(t)

	info := e.GetRuntimeInfo()
	require.Equal(t, "closed", info.BreakerState)
	require.Equal(t, types.StageOff, info.Canary.Stage)
	require.Equal(t, 0, info.ActiveStreams)
}

func TestHealthCheckReportsHealthyBeforeAnyLoad(t *testing.T) {
	e := newTestEngine(t)

	snap := e.HealthCheck(context.Background())
	require.Equal(t, telemetryhealth.StatusHealthy, snap.Overall)
}

func TestShutdownIsIdempotent(t *testing.T) {
	e := newTestEngine(t)

	require.NoError(t, e.Shutdown(context.Background()))
	require.NoError(t, e.Shutdown(context.Background()))
}
