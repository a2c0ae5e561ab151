package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/klauspost/compress/zip"
	"github.com/manthysbr/solution-packager/internal/adapters/metrics"
	"github.com/manthysbr/solution-packager/internal/adapters/toolset"
	"github.com/manthysbr/solution-packager/internal/core/domain"
	"github.com/manthysbr/solution-packager/internal/core/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockRunner stands in for the packaging tool.
type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) Run(ctx context.Context, inv domain.ToolInvocation) (domain.ToolResult, error) {
	args := m.Called(ctx, inv)
	return args.Get(0).(domain.ToolResult), args.Error(1)
}

// packageTemplate writes what the real tool would leave in Package/.
func packageTemplate(args mock.Arguments) {
	inv := args.Get(1).(domain.ToolInvocation)
	i := slices.Index(inv.Args, "-SolutionDataFolderPath")
	pkg := filepath.Join(filepath.Dir(inv.Args[i+1]), "Package")
	_ = os.WriteFile(filepath.Join(pkg, "mainTemplate.json"), []byte(`{"$schema":"template"}`), 0o600)
	_ = os.WriteFile(filepath.Join(pkg, "createUiDefinition.json"), []byte(`{"$schema":"ui"}`), 0o600)
}

type stackOptions struct {
	queue         int64
	keepResult    bool
	toolTimeout   time.Duration
	maxUpload     int64
	noWorker      bool
	origins       []string
	configureMock func(*MockRunner)
}

type testStack struct {
	url        string
	registry   *services.JobRegistry
	workspaces *services.WorkspaceManager
	sweeper    *services.ExpirySweeper
	runner     *MockRunner
}

func newTestStack(t *testing.T, opts stackOptions) *testStack {
	t.Helper()
	if opts.queue == 0 {
		opts.queue = 20
	}
	if opts.maxUpload == 0 {
		opts.maxUpload = 50 << 20
	}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	toolsDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(toolsDir, "V3"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(toolsDir, "V3", "createSolutionV3.ps1"), []byte("# tool"), 0o644))
	resolver, err := toolset.NewResolver(toolset.Config{Dir: toolsDir, Script: "V3/createSolutionV3.ps1", WorkDir: "V3"})
	require.NoError(t, err)

	workspaces, err := services.NewWorkspaceManager(t.TempDir())
	require.NoError(t, err)
	creds, err := services.NewCredentialManager()
	require.NoError(t, err)

	prom := metrics.NewProm("packager")
	registry := services.NewJobRegistry(logger)
	runner := new(MockRunner)
	if opts.configureMock != nil {
		opts.configureMock(runner)
	}

	lifecycle := services.NewPackagingLifecycle(logger,
		services.PackagingConfig{ToolTimeout: opts.toolTimeout, ConsumeResult: !opts.keepResult},
		services.NewJobScheduler(logger, services.SchedulerConfig{MaxQueuedJobs: opts.queue}),
		registry, workspaces, creds, services.NewArchiveValidator(services.ArchiveLimits{}),
		runner, resolver, services.NewEventBus(logger), prom)

	srv := NewServer(logger, lifecycle, prom, prom.Handler(), opts.maxUpload)
	if opts.origins != nil {
		srv.WithAllowedOrigins(opts.origins)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	if !opts.noWorker {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = lifecycle.Run(ctx)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})
	}

	return &testStack{
		url:        ts.URL,
		registry:   registry,
		workspaces: workspaces,
		sweeper:    services.NewExpirySweeper(logger, registry, prom, services.SweeperConfig{TTL: time.Minute}),
		runner:     runner,
	}
}

type zipFile struct {
	name string
	body string
}

func buildZip(t *testing.T, files ...zipFile) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		w, err := zw.Create(f.name)
		require.NoError(t, err)
		_, err = w.Write([]byte(f.body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func solutionZip(t *testing.T) []byte {
	return buildZip(t,
		zipFile{"Foo/Data/Solution_Foo.json", `{"Name":"Foo","BasePath":"C:\\GitHub\\Foo"}`},
		zipFile{"Foo/SolutionMetadata.json", `{"publisherId":"foo"}`},
		zipFile{"Foo/Analytic Rules/rule.yaml", "id: 1"},
	)
}

func (s *testStack) upload(t *testing.T, data []byte) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "solution.zip")
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, s.url+"/jobs", &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

type created struct {
	JobID  string `json:"job_id"`
	Token  string `json:"token"`
	Status string `json:"status"`
}

func (s *testStack) submit(t *testing.T, data []byte) created {
	t.Helper()
	resp := s.upload(t, data)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var c created
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&c))
	return c
}

func (s *testStack) get(t *testing.T, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, s.url+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

type statusResponse struct {
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	Error     *string   `json:"error"`
}

func (s *testStack) waitStatus(t *testing.T, c created) statusResponse {
	t.Helper()
	var st statusResponse
	require.Eventually(t, func() bool {
		resp := s.get(t, "/jobs/"+c.JobID, c.Token)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		st = statusResponse{}
		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			return false
		}
		return st.Status == "completed" || st.Status == "failed"
	}, 5*time.Second, 20*time.Millisecond)
	return st
}

func decodeError(t *testing.T, resp *http.Response) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func countWorkspaces(t *testing.T, s *testStack) int {
	t.Helper()
	entries, err := os.ReadDir(s.workspaces.BaseDir())
	require.NoError(t, err)
	return len(entries)
}

func TestServer_SubmitPackageAndFetch(t *testing.T) {
	s := newTestStack(t, stackOptions{configureMock: func(m *MockRunner) {
		m.On("Run", mock.Anything, mock.Anything).Run(packageTemplate).Return(domain.ToolResult{Stdout: "ok"}, nil)
	}})

	c := s.submit(t, solutionZip(t))
	assert.NotEmpty(t, c.JobID)
	assert.NotEmpty(t, c.Token)
	assert.Equal(t, "queued", c.Status)

	st := s.waitStatus(t, c)
	require.Equal(t, "completed", st.Status)
	assert.Nil(t, st.Error)
	assert.Equal(t, c.JobID, st.JobID)
	assert.False(t, st.CreatedAt.IsZero())

	resp := s.get(t, "/jobs/"+c.JobID+"/result", c.Token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/zip", resp.Header.Get("Content-Type"))
	assert.Equal(t, `attachment; filename=deployable-template.zip`, resp.Header.Get("Content-Disposition"))

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"mainTemplate.json", "createUiDefinition.json"}, names)

	// Consume-once: the second fetch finds nothing and the workspace is gone.
	resp = s.get(t, "/jobs/"+c.JobID+"/result", c.Token)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, 0, countWorkspaces(t, s))
}

func TestServer_IdempotentResult(t *testing.T) {
	s := newTestStack(t, stackOptions{keepResult: true, configureMock: func(m *MockRunner) {
		m.On("Run", mock.Anything, mock.Anything).Run(packageTemplate).Return(domain.ToolResult{}, nil)
	}})

	c := s.submit(t, solutionZip(t))
	require.Equal(t, "completed", s.waitStatus(t, c).Status)

	var bodies [][]byte
	for i := 0; i < 2; i++ {
		resp := s.get(t, "/jobs/"+c.JobID+"/result", c.Token)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		bodies = append(bodies, data)
	}
	assert.Equal(t, bodies[0], bodies[1])
}

func TestServer_RejectsTraversal(t *testing.T) {
	s := newTestStack(t, stackOptions{noWorker: true})

	resp := s.upload(t, buildZip(t,
		zipFile{"../../etc/passwd", "root:x:0:0"},
		zipFile{"Data/Solution_Foo.json", "{}"},
		zipFile{"SolutionMetadata.json", "{}"},
	))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "unsafe_entry", decodeError(t, resp).Reason)
	assert.Equal(t, 0, s.registry.Len())
	assert.Equal(t, 0, countWorkspaces(t, s))
}

func TestServer_RejectsDeclaredBomb(t *testing.T) {
	s := newTestStack(t, stackOptions{noWorker: true})

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.CreateRaw(&zip.FileHeader{
		Name:               "Data/Solution_Foo.json",
		Method:             zip.Deflate,
		CompressedSize64:   4,
		UncompressedSize64: 10 << 30,
	})
	require.NoError(t, err)
	_, err = w.Write([]byte{1, 2, 3, 4})
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	resp := s.upload(t, buf.Bytes())
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "uncompressed_size_exceeded", decodeError(t, resp).Reason)
	assert.Equal(t, 0, countWorkspaces(t, s))
}

func TestServer_RejectsMissingContent(t *testing.T) {
	s := newTestStack(t, stackOptions{noWorker: true})

	resp := s.upload(t, buildZip(t, zipFile{"README.md", "hi"}))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "missing_required_content", decodeError(t, resp).Reason)

	resp = s.upload(t, []byte("this is not a zip"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_format", decodeError(t, resp).Reason)
}

func TestServer_RejectsOversizedUpload(t *testing.T) {
	s := newTestStack(t, stackOptions{noWorker: true, maxUpload: 1 << 20})

	resp := s.upload(t, bytes.Repeat([]byte("x"), 1<<20+64<<10))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeError(t, resp)
	assert.Equal(t, "too_large", body.Reason)
	assert.Equal(t, "File too large (max 1MB)", body.Error)
	assert.Equal(t, 0, countWorkspaces(t, s))
}

func TestServer_RequiresFileField(t *testing.T) {
	s := newTestStack(t, stackOptions{noWorker: true})

	resp, err := http.Post(s.url+"/jobs", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_QueueFull(t *testing.T) {
	s := newTestStack(t, stackOptions{queue: 20, noWorker: true})

	for i := 0; i < 20; i++ {
		s.submit(t, solutionZip(t))
	}
	resp := s.upload(t, solutionZip(t))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, 20, s.registry.Len())
	assert.Equal(t, 20, countWorkspaces(t, s))
}

func TestServer_TimeoutThenSweep(t *testing.T) {
	s := newTestStack(t, stackOptions{toolTimeout: 50 * time.Millisecond, configureMock: func(m *MockRunner) {
		m.On("Run", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).Return(domain.ToolResult{}, domain.ErrToolTimeout)
	}})

	c := s.submit(t, solutionZip(t))
	st := s.waitStatus(t, c)
	require.Equal(t, "failed", st.Status)
	require.NotNil(t, st.Error)
	assert.Equal(t, "job timed out after 50ms", *st.Error)

	resp := s.get(t, "/jobs/"+c.JobID+"/result", c.Token)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	assert.Equal(t, 1, s.sweeper.Sweep(time.Now().Add(time.Hour)))
	assert.Equal(t, 0, countWorkspaces(t, s))
	resp = s.get(t, "/jobs/"+c.JobID, c.Token)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_Authorization(t *testing.T) {
	s := newTestStack(t, stackOptions{noWorker: true})
	c := s.submit(t, solutionZip(t))
	other := s.submit(t, solutionZip(t))

	tests := []struct {
		name  string
		path  string
		token string
		code  int
	}{
		{"status ok", "/jobs/" + c.JobID, c.Token, http.StatusOK},
		{"missing token", "/jobs/" + c.JobID, "", http.StatusForbidden},
		{"other job's token", "/jobs/" + c.JobID, other.Token, http.StatusForbidden},
		{"garbage token", "/jobs/" + c.JobID, "not-a-token", http.StatusForbidden},
		{"unknown job", "/jobs/" + string(domain.NewJobID()), c.Token, http.StatusNotFound},
		{"malformed id", "/jobs/not-a-uuid", c.Token, http.StatusNotFound},
		{"result while queued", "/jobs/" + c.JobID + "/result", c.Token, http.StatusConflict},
		{"result without token", "/jobs/" + c.JobID + "/result", "", http.StatusForbidden},
		{"events without token", "/jobs/" + c.JobID + "/events", "", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.get(t, tt.path, tt.token)
			assert.Equal(t, tt.code, resp.StatusCode)
		})
	}
}

func TestServer_StatusShape(t *testing.T) {
	s := newTestStack(t, stackOptions{noWorker: true})
	c := s.submit(t, solutionZip(t))

	resp := s.get(t, "/jobs/"+c.JobID, c.Token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var raw map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	assert.Equal(t, "queued", raw["status"])
	assert.NotContains(t, raw, "token")
	assert.NotContains(t, raw, "error")
}

func TestServer_EventStream(t *testing.T) {
	release := make(chan struct{})
	s := newTestStack(t, stackOptions{configureMock: func(m *MockRunner) {
		m.On("Run", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
			<-release
			packageTemplate(args)
		}).Return(domain.ToolResult{}, nil)
	}})
	c := s.submit(t, solutionZip(t))

	resp := s.get(t, "/jobs/"+c.JobID+"/events", c.Token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	close(release)

	var statuses []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev services.StatusEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		statuses = append(statuses, string(ev.Status))
	}
	// The stream ends by itself once the job is terminal.
	require.NotEmpty(t, statuses)
	assert.Equal(t, "completed", statuses[len(statuses)-1])
}

func TestServer_SecurityHeaders(t *testing.T) {
	s := newTestStack(t, stackOptions{noWorker: true})

	for _, path := range []string{"/health", "/jobs/" + string(domain.NewJobID())} {
		resp := s.get(t, path, "")
		assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"), path)
		assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"), path)
		assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"), path)
		assert.Equal(t, "default-src 'none'; frame-ancestors 'none'", resp.Header.Get("Content-Security-Policy"), path)
		assert.Equal(t, "no-referrer", resp.Header.Get("Referrer-Policy"), path)
	}
}

func TestServer_CORSPreflightCarriesSecurityHeaders(t *testing.T) {
	s := newTestStack(t, stackOptions{noWorker: true, origins: []string{"https://portal.example"}})

	req, err := http.NewRequest(http.MethodOptions, s.url+"/jobs", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://portal.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Authorization")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "https://portal.example", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "default-src 'none'; frame-ancestors 'none'", resp.Header.Get("Content-Security-Policy"))
	assert.Equal(t, "no-referrer", resp.Header.Get("Referrer-Policy"))

	// Simple requests get both sets too.
	req, err = http.NewRequest(http.MethodGet, s.url+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://portal.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "https://portal.example", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestServer_HealthAndMetrics(t *testing.T) {
	s := newTestStack(t, stackOptions{noWorker: true})

	resp := s.get(t, "/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])

	resp = s.get(t, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "packager_http_requests_total")
	assert.Contains(t, string(body), `route="GET /health"`)
}

func TestOpenAPISpec(t *testing.T) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(OpenAPISpec())
	require.NoError(t, err)
	require.NoError(t, doc.Validate(loader.Context))

	for _, path := range []string{"/health", "/jobs", "/jobs/{id}", "/jobs/{id}/result", "/jobs/{id}/events"} {
		assert.NotNil(t, doc.Paths.Find(path), path)
	}
	post := doc.Paths.Find("/jobs").Post
	require.NotNil(t, post)
	assert.NotNil(t, post.Responses.Value("202"))
	assert.NotNil(t, post.Responses.Value("503"))
}

func TestOpenAPISpec_MatchesResponses(t *testing.T) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(OpenAPISpec())
	require.NoError(t, err)

	s := newTestStack(t, stackOptions{noWorker: true})
	resp := s.upload(t, solutionZip(t))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NoError(t, doc.Components.Schemas["JobCreated"].Value.VisitJSON(body))

	resp = s.get(t, "/jobs/"+body["job_id"].(string), body["token"].(string))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.NoError(t, doc.Components.Schemas["JobStatus"].Value.VisitJSON(status))

	resp = s.get(t, "/jobs/"+body["job_id"].(string), "")
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	var errBody map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errBody))
	assert.NoError(t, doc.Components.Schemas["Error"].Value.VisitJSON(errBody))
}
