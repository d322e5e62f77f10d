package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intentline/internal/app"
	"intentline/internal/domain"
	"intentline/internal/engine"
	"intentline/internal/repo"
)

type testServer struct {
	URL     string
	Runtime *app.Runtime
	client  *http.Client
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T, cfgYAML string, authFor func(rt *app.Runtime) AuthConfig) *testServer {
	t.Helper()
	ctx := context.Background()
	ws := t.TempDir()
	if cfgYAML != "" {
		require.NoError(t, os.WriteFile(filepath.Join(ws, "intentline.yml"), []byte(cfgYAML), 0o644))
	}
	rt, err := app.Open(ctx, app.Options{Workspace: ws})
	require.NoError(t, err)
	require.NoError(t, rt.Start(ctx))
	var auth AuthConfig
	if authFor != nil {
		auth = authFor(rt)
	}
	handler, err := New(Config{
		Engine:    rt.Engine,
		Artifacts: rt.Artifacts,
		Pending:   rt.Pending,
		Index:     rt.Index,
		BasePath:  "/v1",
		Auth:      auth,
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		rt.Close(context.Background())
	})
	return &testServer{URL: "http://" + ln.Addr().String(), Runtime: rt, client: &http.Client{}}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error
}

func ingestBody(tenant, name, content string) map[string]any {
	return map[string]any{
		"intent_type": "ingest_file",
		"tenant_id":   tenant,
		"session_id":  "s1",
		"parameters":  map[string]any{"file_name": name, "content": content},
	}
}

func submit(t *testing.T, srv *testServer, body map[string]any, headers map[string]string) SubmitIntentResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/intents", body, headers)
	require.Equal(t, http.StatusAccepted, res.StatusCode, string(data))
	var sub SubmitIntentResponse
	require.NoError(t, json.Unmarshal(data, &sub))
	return sub
}

func waitTerminal(t *testing.T, srv *testServer, id string, headers map[string]string) engine.Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/executions/"+id, nil, headers)
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
		var st engine.Status
		require.NoError(t, json.Unmarshal(data, &st))
		if st.Status.Terminal() {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("execution %s still %s", id, st.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSubmitResolveAndLineage(t *testing.T) {
	srv := newTestServer(t, "", nil)
	sub := submit(t, srv, ingestBody("acme", "a.txt", "hello"), nil)
	assert.Equal(t, "pending", sub.Status)
	assert.False(t, sub.Deduplicated)

	st := waitTerminal(t, srv, sub.ExecutionID, nil)
	require.Equal(t, domain.ExecutionCompleted, st.Status, "%+v", st.Error)
	fileID := st.Artifacts["file"].ArtifactID
	require.NotEmpty(t, fileID)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/artifacts/resolve", map[string]any{"tenant_id": "acme", "artifact_id": fileID}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var resolved ResolveArtifactResponse
	require.NoError(t, json.Unmarshal(data, &resolved))
	assert.Equal(t, "file", resolved.Artifact.ArtifactType)
	assert.Equal(t, domain.LifecycleReady, resolved.Artifact.LifecycleState)
	assert.Empty(t, resolved.Artifact.ParentArtifacts)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/artifacts/resolve", map[string]any{"tenant_id": "acme", "artifact_id": fileID, "artifact_type": "blueprint"}, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/artifacts/resolve", map[string]any{"tenant_id": "other", "artifact_id": fileID}, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
	assert.Equal(t, "NOT_FOUND", decodeError(t, data).Code)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/artifacts/lineage", map[string]any{"tenant_id": "acme", "artifact_id": fileID}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var lineage LineageResponse
	require.NoError(t, json.Unmarshal(data, &lineage))
	assert.Empty(t, lineage.Ancestors)
	require.Len(t, lineage.Transitions, 1)
	assert.Equal(t, domain.LifecycleReady, lineage.Transitions[0].To)
}

func TestSubmitRejectsInvalidIntents(t *testing.T) {
	srv := newTestServer(t, "", nil)
	cases := []struct {
		name string
		body map[string]any
		code string
	}{
		{"unknown intent", map[string]any{"intent_type": "nope", "tenant_id": "acme", "session_id": "s1"}, "UNKNOWN_INTENT"},
		{"missing tenant", map[string]any{"intent_type": "ingest_file", "session_id": "s1", "parameters": map[string]any{"file_name": "a", "content": "b"}}, "MISSING_CONTEXT"},
		{"schema violation", map[string]any{"intent_type": "ingest_file", "tenant_id": "acme", "session_id": "s1", "parameters": map[string]any{"file_name": "a"}}, "INVALID_PARAMETERS"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/intents", tc.body, nil)
			require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
			body := decodeError(t, data)
			assert.Equal(t, tc.code, body.Code)
			assert.Empty(t, body.ExecutionID)
		})
	}
	items, err := srv.Runtime.Engine.List(context.Background(), "acme", "", 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestDuplicateSubmitIsAccepted(t *testing.T) {
	srv := newTestServer(t, "", nil)
	first := submit(t, srv, ingestBody("acme", "a.txt", "same"), nil)
	second := submit(t, srv, ingestBody("acme", "b.txt", "same"), nil)
	assert.Equal(t, first.ExecutionID, second.ExecutionID)
	assert.Equal(t, "accepted", second.Status)
	assert.True(t, second.Deduplicated)
}

func TestListArtifactsAndPendingIntents(t *testing.T) {
	srv := newTestServer(t, "", nil)
	st := waitTerminal(t, srv, submit(t, srv, ingestBody("acme", "a.txt", "hello"), nil).ExecutionID, nil)
	require.Equal(t, domain.ExecutionCompleted, st.Status, "%+v", st.Error)
	fileID := st.Artifacts["file"].ArtifactID
	require.NoError(t, srv.Runtime.Index.Flush(context.Background()))

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/artifacts/list", map[string]any{"tenant_id": "acme", "eligible_for": "parse_content"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page ArtifactListResponse
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Artifacts, 1)
	assert.Equal(t, fileID, page.Artifacts[0].ID)
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, 100, page.Limit)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/pending-intents/list", map[string]any{"tenant_id": "acme", "statuses": []string{"pending"}}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var staged PendingIntentListResponse
	require.NoError(t, json.Unmarshal(data, &staged))
	require.Equal(t, 1, staged.Total)
	assert.Equal(t, "parse_content", staged.Intents[0].IntentType)
	assert.Equal(t, fileID, staged.Intents[0].TargetArtifactID)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/pending-intents", map[string]any{
		"tenant_id":          "acme",
		"intent_type":        "compose_blueprint",
		"target_artifact_id": "missing",
	}, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/pending-intents", map[string]any{
		"tenant_id":          "acme",
		"intent_type":        "compose_blueprint",
		"target_artifact_id": fileID,
		"context":            map[string]any{"name": "bp"},
	}, nil)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var created domain.PendingIntent
	require.NoError(t, json.Unmarshal(data, &created))
	assert.Equal(t, domain.PendingStaged, created.Status)
	assert.Equal(t, "bp", created.Context["name"])
}

func TestCancelTerminalExecutionConflicts(t *testing.T) {
	srv := newTestServer(t, "", nil)
	st := waitTerminal(t, srv, submit(t, srv, ingestBody("acme", "a.txt", "x"), nil).ExecutionID, nil)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/executions/"+st.ExecutionID+"/cancel", nil, nil)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	body := decodeError(t, data)
	assert.Equal(t, "INVALID_TRANSITION", body.Code)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/executions/nope/cancel", nil, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
	assert.Equal(t, "nope", decodeError(t, data).ExecutionID)
}

func TestSubmitRateLimited(t *testing.T) {
	srv := newTestServer(t, "runtime:\n  submit_rate: 0.001\n  submit_burst: 1\n", nil)
	submit(t, srv, ingestBody("acme", "a.txt", "one"), nil)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/intents", ingestBody("acme", "b.txt", "two"), nil)
	require.Equal(t, http.StatusTooManyRequests, res.StatusCode, string(data))
	body := decodeError(t, data)
	assert.Equal(t, "RATE_LIMITED", body.Code)
	assert.True(t, body.Retryable)
	assert.NotEmpty(t, body.Remediation)

	submit(t, srv, ingestBody("globex", "c.txt", "three"), nil)
}

func TestTenantBinding(t *testing.T) {
	const secret = "s3cret"
	srv := newTestServer(t, "", func(rt *app.Runtime) AuthConfig {
		keys := &repo.Repo{DB: rt.DB}
		return AuthConfig{Enabled: true, JWTSecret: secret, Keys: keys}
	})
	token, err := IssueToken(secret, "agent-1", "acme", "")
	require.NoError(t, err)
	acme := map[string]string{"Authorization": "Bearer " + token}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/intents", ingestBody("acme", "a.txt", "x"), nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/intents", ingestBody("other", "a.txt", "x"), acme)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))

	body := ingestBody("", "a.txt", "x")
	delete(body, "tenant_id")
	sub := submit(t, srv, body, acme)
	st := waitTerminal(t, srv, sub.ExecutionID, acme)
	assert.Equal(t, "acme", st.TenantID)

	otherToken, err := IssueToken(secret, "agent-2", "other", "")
	require.NoError(t, err)
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/executions/"+sub.ExecutionID, nil, map[string]string{"Authorization": "Bearer " + otherToken})
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))

	forged, err := IssueToken("wrong", "agent-1", "acme", "")
	require.NoError(t, err)
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/executions/"+sub.ExecutionID, nil, map[string]string{"Authorization": "Bearer " + forged})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)

	ctx := context.Background()
	keys := repo.Repo{DB: srv.Runtime.DB}
	require.NoError(t, keys.InsertAPIKey(ctx, srv.Runtime.DB, domain.APIKey{
		ID:        "key-1",
		TenantID:  "acme",
		KeyHash:   repo.HashAPIKey("il_test_key"),
		CreatedAt: domain.FormatTime(time.Now()),
	}))
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/executions?tenant_id=acme", nil, map[string]string{apiKeyHeader: "il_test_key"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var list ExecutionListResponse
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, sub.ExecutionID, list.Items[0].ID)
}

func TestRoleClaimBindsCapabilities(t *testing.T) {
	const secret = "s3cret"
	srv := newTestServer(t, "capabilities:\n  reader: [parse_content]\n", func(rt *app.Runtime) AuthConfig {
		return AuthConfig{Enabled: true, JWTSecret: secret}
	})
	token, err := IssueToken(secret, "agent-1", "acme", "reader")
	require.NoError(t, err)
	body := ingestBody("acme", "a.txt", "x")
	body["metadata"] = map[string]any{"agent_role": "admin"}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/intents", body, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	assert.Equal(t, "FORBIDDEN_INTENT", decodeError(t, data).Code)
}

func TestOpenAPIIsServed(t *testing.T) {
	srv := newTestServer(t, "", nil)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	paths, _ := doc["paths"].(map[string]any)
	assert.Contains(t, paths, "/v1/intents")
	assert.Contains(t, paths, "/v1/executions/{execution_id}/cancel")
}
