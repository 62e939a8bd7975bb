package ragapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"ragserver/internal/chunker"
	"ragserver/internal/ingestpipeline"
	"ragserver/internal/progress"
	"ragserver/internal/qa"
	"ragserver/internal/ragdomain"
	"ragserver/internal/ratelimit"
	"ragserver/internal/vectorstore/memvector"
)

type fakeEmbeddings struct{ dim int }

func (f *fakeEmbeddings) Dimension() int { return f.dim }
func (f *fakeEmbeddings) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, f.dim)
		v[0] = 1
		out[i] = v
	}
	return out, nil
}
func (f *fakeEmbeddings) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vs, _ := f.EmbedDocuments(ctx, []string{text})
	return vs[0], nil
}

type fakeChat struct{ response string }

func (f *fakeChat) Model() string { return "fake-chat" }
func (f *fakeChat) Complete(context.Context, string, string, float64, int) (string, error) {
	return f.response, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store := memvector.New()
	tracker := progress.New(time.Minute)
	embeddings := &fakeEmbeddings{dim: 4}
	c := chunker.New(nil)
	pipeline := ingestpipeline.New(c, nil, embeddings, store, tracker)
	svc := qa.New(store, embeddings, &fakeChat{response: "the answer"}, pipeline, tracker, "rag_documents")
	limiter := ratelimit.New(10)

	return NewServer(pipeline, tracker, svc, store, limiter, Defaults{
		ChunkStrategy:  chunker.StrategyRecursive,
		ChunkSize:      64,
		ChunkOverlap:   0,
		EnableMetadata: false,
		Collection:     "rag_documents",
		Version:        "test",
		Environment:    "test",
	})
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, "healthy", body["status"])
}

func TestUploadReturnsImmediatelyWithUploadID(t *testing.T) {
	s := newTestServer(t)
	payload := map[string]any{
		"collection_name": "docs",
		"documents":       []map[string]any{{"content": "hello world", "source": "a.txt"}},
	}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/upload", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	start := time.Now()
	s.ServeHTTP(rec, req)
	elapsed := time.Since(start)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Less(t, elapsed, 100*time.Millisecond)

	var resp map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, "received", resp["status"])
	require.NotEmpty(t, resp["upload_id"])

	s.wg.Wait() // drain the background ingestion before the test store/tracker go out of scope
}

func TestUploadRejectsEmptyDocuments(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(map[string]any{"collection_name": "docs", "documents": []map[string]any{}})
	req := httptest.NewRequest(http.MethodPost, "/upload", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInitializeThenQuestionSucceeds(t *testing.T) {
	s := newTestServer(t)
	payload := map[string]any{
		"collection_name": "rag_documents",
		"documents":       []map[string]any{{"content": "Paris is the capital of France.", "source": "geo.txt"}},
	}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/initialize", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var initResp map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&initResp))
	require.Equal(t, "initialized", initResp["status"])

	qBody, _ := json.Marshal(map[string]any{"question": "What is the capital of France?", "query_type": "general", "k": 3})
	qReq := httptest.NewRequest(http.MethodPost, "/question", bytes.NewReader(qBody))
	qRec := httptest.NewRecorder()
	s.ServeHTTP(qRec, qReq)
	require.Equal(t, http.StatusOK, qRec.Code)

	var qResp ragdomain.QAResponse
	require.NoError(t, json.NewDecoder(qRec.Body).Decode(&qResp))
	require.Equal(t, "the answer", qResp.Answer)
	require.NotZero(t, qResp.DocumentsUsed)
}

func TestQuestionReturns503BeforeAnyInitialization(t *testing.T) {
	s := newTestServer(t)
	qBody, _ := json.Marshal(map[string]any{"question": "anything?"})
	qReq := httptest.NewRequest(http.MethodPost, "/question", bytes.NewReader(qBody))
	qRec := httptest.NewRecorder()
	s.ServeHTTP(qRec, qReq)
	require.Equal(t, http.StatusServiceUnavailable, qRec.Code)

	var body map[string]any
	require.NoError(t, json.NewDecoder(qRec.Body).Decode(&body))
	require.Contains(t, body["suggestion"], "/initialize")
}

func TestBatchQuestionsReportsPerItemErrorsInline(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(map[string]any{"questions": []string{"q1", "q2"}})
	req := httptest.NewRequest(http.MethodPost, "/batch-questions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Results []batchAnswerResult `json:"results"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Results, 2)
	for _, r := range resp.Results {
		require.NotNil(t, r.Error) // not yet initialized, so every item fails independently
	}
}

func TestDeleteCollectionIsIdempotent(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodDelete, "/collection/does-not-exist", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestWebSocketUnknownUploadIDClosesWith4404(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/00000000-0000-0000-0000-000000000000"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected a close error, got %v", err)
	require.Equal(t, evictedCloseCode, closeErr.Code)
}

func TestWebSocketStreamsProgressToCompletion(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s)
	defer srv.Close()

	payload := map[string]any{
		"collection_name": "docs",
		"documents":       []map[string]any{{"content": "hello world", "source": "a.txt"}},
	}
	body, _ := json.Marshal(payload)
	resp, err := http.Post(srv.URL+"/upload", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var uploadResp map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&uploadResp))
	uploadID := uploadResp["upload_id"].(string)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + uploadID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var last wsFrame
	for {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			break
		}
		last = frame
		if frame.Status == "completed" || frame.Status == "failed" {
			break
		}
	}
	require.Equal(t, "completed", last.Status)
	require.Equal(t, 100, last.ProgressPercent)

	s.wg.Wait()
}
