package daemon_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"conewatch/internal/api"
	"conewatch/internal/config"
	"conewatch/internal/daemon"
	"conewatch/internal/logging"
	"conewatch/internal/pipeline"
	"conewatch/internal/testsupport"
	"conewatch/internal/watch"
)

func startDaemon(t *testing.T, cfg *config.Config, opts ...daemon.Option) (*daemon.Daemon, string) {
	t.Helper()
	d, err := daemon.New(cfg, logging.NewNop(), opts...)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(d.Stop)
	return d, "http://" + d.Addr()
}

func doRequest(t *testing.T, method, url, token string, body []byte) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return out
}

func TestDaemonStartStop(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d, err := daemon.New(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !d.Status(ctx).Running {
		t.Fatal("expected daemon to report running")
	}
	if d.Addr() == "" {
		t.Fatal("expected a listening address")
	}

	if err := d.Start(ctx); !errors.Is(err, daemon.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	d.Stop()
	if d.Status(ctx).Running {
		t.Fatal("expected daemon to be stopped")
	}
	if d.Addr() != "" {
		t.Fatal("expected listener to be closed")
	}
}

func TestSecondInstanceIsRejected(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	startDaemon(t, cfg)

	other, err := daemon.New(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := other.Start(context.Background()); !errors.Is(err, daemon.ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
}

func TestViewerReceivesReloadForChangedArtifact(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d, base := startDaemon(t, cfg, daemon.WithMonitorOptions(watch.WithInterval(20*time.Millisecond)))

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(base, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	waitFor(t, func() bool { return d.Registry().Len() == 1 })

	testsupport.Touch(t, filepath.Join(cfg.Paths.OutputDir, "detected_cones.json"), time.Now().Add(time.Second))

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var event struct {
		Type  string   `json:"type"`
		Files []string `json:"files"`
	}
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if event.Type != "reload" {
		t.Fatalf("expected reload event, got %q", event.Type)
	}
	if len(event.Files) != 1 || event.Files[0] != "detected_cones.json" {
		t.Fatalf("unexpected files %v", event.Files)
	}

	_ = conn.Close()
	waitFor(t, func() bool { return d.Registry().Len() == 0 })
}

func TestStopClosesViewerConnections(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d, base := startDaemon(t, cfg)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(base, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, func() bool { return d.Registry().Len() == 1 })

	d.Stop()

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected connection to be closed")
	}
	if d.Registry().Len() != 0 {
		t.Fatalf("expected empty registry, got %d", d.Registry().Len())
	}
}

func TestStatusReportsArtifactsAndConnections(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	testsupport.WriteFile(t, filepath.Join(cfg.Paths.OutputDir, "detected_cones.json"), []byte("[]"))
	_, base := startDaemon(t, cfg)

	code, body := doRequest(t, http.MethodGet, base+"/api/status", "", nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", code, body)
	}
	status := decode[api.StatusResponse](t, body)
	if status.Status != "running" {
		t.Fatalf("expected running, got %q", status.Status)
	}
	if !status.Files["detected_cones.json"] {
		t.Fatal("expected detected_cones.json to be reported present")
	}
	if present, ok := status.Files["odometry_matches.png"]; !ok || present {
		t.Fatalf("expected odometry_matches.png reported absent, got %v (listed=%v)", present, ok)
	}
	if status.ActiveConnections != 0 || status.PipelineRunning {
		t.Fatalf("unexpected activity: %+v", status)
	}
	if status.Timestamp == "" {
		t.Fatal("expected timestamp")
	}
}

func TestRunPipelineEndpoint(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithPipelineScript(`echo "ran step ${1:-all}"`))
	_, base := startDaemon(t, cfg)

	code, body := doRequest(t, http.MethodPost, base+"/api/run-pipeline/2", "", nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", code, body)
	}
	resp := decode[api.RunPipelineResponse](t, body)
	if !resp.Success || resp.Output != "ran step 2\n" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Message != "Pipeline step 2 completed successfully" {
		t.Fatalf("unexpected message %q", resp.Message)
	}
	if resp.ExitCode == nil || *resp.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %v", resp.ExitCode)
	}

	code, body = doRequest(t, http.MethodPost, base+"/api/run-pipeline/all", "", nil)
	if code != http.StatusOK || decode[api.RunPipelineResponse](t, body).Output != "ran step all\n" {
		t.Fatalf("unexpected all-steps response %d: %s", code, body)
	}

	code, body = doRequest(t, http.MethodPost, base+"/api/run-pipeline/4", "", nil)
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
	invalid := decode[api.RunPipelineResponse](t, body)
	if invalid.Success || invalid.Outcome != string(pipeline.OutcomeInvalidStep) {
		t.Fatalf("unexpected invalid-step response: %+v", invalid)
	}
	if invalid.Error != "Invalid step. Use 1, 2, 3, or all" {
		t.Fatalf("unexpected error text %q", invalid.Error)
	}
}

func TestRunPipelineSurvivesCallerDisconnect(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "finished")
	cfg := testsupport.NewConfig(t, testsupport.WithPipelineScript("sleep 1; touch "+marker))
	d, base := startDaemon(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/run-pipeline/all", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if resp, err := http.DefaultClient.Do(req); err == nil {
		resp.Body.Close()
		t.Fatal("expected the request to time out on the client side")
	}

	waitFor(t, func() bool {
		_, err := os.Stat(marker)
		return err == nil
	})
	waitFor(t, func() bool { return !d.Invoker().Running() })
}

func TestRunPipelineFailureReportsExitCode(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithPipelineScript(`echo "no image" >&2; exit 4`))
	_, base := startDaemon(t, cfg)

	code, body := doRequest(t, http.MethodPost, base+"/api/run-pipeline/1", "", nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	resp := decode[api.RunPipelineResponse](t, body)
	if resp.Success || resp.ExitCode == nil || *resp.ExitCode != 4 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Error != "Pipeline failed with code 4" || resp.Output != "no image\n" {
		t.Fatalf("unexpected failure payload: %+v", resp)
	}
}

type gateRunner struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gateRunner) Run(ctx context.Context, _ pipeline.Command) (pipeline.Output, error) {
	g.entered <- struct{}{}
	select {
	case <-g.release:
		return pipeline.Output{Stdout: "done", Exited: true}, nil
	case <-ctx.Done():
		return pipeline.Output{}, ctx.Err()
	}
}

func TestConcurrentRunIsRejectedAsBusy(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	runner := &gateRunner{entered: make(chan struct{}, 1), release: make(chan struct{})}
	d, base := startDaemon(t, cfg, daemon.WithPipelineOptions(pipeline.WithRunner(runner)))

	var wg sync.WaitGroup
	var firstCode int
	wg.Add(1)
	go func() {
		defer wg.Done()
		firstCode, _ = doRequest(t, http.MethodPost, base+"/api/run-pipeline/all", "", nil)
	}()

	select {
	case <-runner.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("first invocation never started")
	}
	if !d.Invoker().Running() {
		t.Fatal("expected invoker to report running")
	}

	code, body := doRequest(t, http.MethodPost, base+"/api/run-pipeline/1", "", nil)
	if code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", code, body)
	}
	if decode[api.RunPipelineResponse](t, body).Outcome != string(pipeline.OutcomeBusy) {
		t.Fatalf("expected busy outcome: %s", body)
	}

	close(runner.release)
	wg.Wait()
	if firstCode != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", firstCode)
	}
}

func TestFileEndpoints(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	payload := []byte(`[{"x":1,"y":2,"color":"blue"}]`)
	testsupport.WriteFile(t, filepath.Join(cfg.Paths.OutputDir, "detected_cones.json"), payload)
	testsupport.WriteFile(t, filepath.Join(cfg.Paths.DataDir, "image.png"), []byte{0x89, 'P', 'N', 'G'})
	if err := os.MkdirAll(filepath.Join(cfg.Paths.OutputDir, "nested"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	_, base := startDaemon(t, cfg)

	code, body := doRequest(t, http.MethodGet, base+"/output/detected_cones.json", "", nil)
	if code != http.StatusOK || !bytes.Equal(body, payload) {
		t.Fatalf("unexpected output file response %d: %q", code, body)
	}
	code, body = doRequest(t, http.MethodGet, base+"/data/image.png", "", nil)
	if code != http.StatusOK || !bytes.Equal(body, []byte{0x89, 'P', 'N', 'G'}) {
		t.Fatalf("unexpected data file response %d: %q", code, body)
	}

	for _, path := range []string{"/output/missing.png", "/output/nested", "/data/detected_cones.json"} {
		code, body := doRequest(t, http.MethodGet, base+path, "", nil)
		if code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, code)
		}
		if decode[api.ErrorResponse](t, body).Error != "File not found" {
			t.Fatalf("%s: unexpected body %s", path, body)
		}
	}
}

func TestViewerPageIsServed(t *testing.T) {
	_, base := startDaemon(t, testsupport.NewConfig(t))

	code, body := doRequest(t, http.MethodGet, base+"/", "", nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200 for viewer, got %d", code)
	}
	if !strings.Contains(string(body), "<title>conewatch</title>") || !strings.Contains(string(body), "/ws") {
		t.Fatalf("viewer page missing expected markup: %.200s", body)
	}
}

func TestParamsEndpoints(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	_, base := startDaemon(t, cfg)

	code, _ := doRequest(t, http.MethodGet, base+"/api/params", "", nil)
	if code != http.StatusNotFound {
		t.Fatalf("expected 404 before the document exists, got %d", code)
	}

	code, body := doRequest(t, http.MethodPost, base+"/api/params", "", []byte(`{"colorDetection":{},"coneDetection":{}}`))
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
	if msg := decode[api.ErrorResponse](t, body).Error; msg != "Missing required key: odometry" {
		t.Fatalf("unexpected error %q", msg)
	}

	code, _ = doRequest(t, http.MethodPost, base+"/api/params", "", []byte(`[1,2]`))
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-object body, got %d", code)
	}

	code, body = doRequest(t, http.MethodPost, base+"/api/params", "", []byte(`{"colorDetection":{"hMin":10},"coneDetection":{},"odometry":{}}`))
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", code, body)
	}

	code, body = doRequest(t, http.MethodGet, base+"/api/params", "", nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	got := decode[api.ParamsResponse](t, body)
	if !strings.Contains(string(got.Params), `"hMin":10`) || got.ConfigFile != cfg.Paths.ParamsFile {
		t.Fatalf("unexpected params response: %s", body)
	}

	code, body = doRequest(t, http.MethodPost, base+"/api/params/defaults", "", nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if !strings.Contains(string(decode[api.ParamsResponse](t, body).Params), "colorDetection") {
		t.Fatalf("expected default document: %s", body)
	}
}

func TestAPIRequiresTokenWhenConfigured(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithAPIToken("s3cret"))
	testsupport.WriteFile(t, filepath.Join(cfg.Paths.OutputDir, "original_image.png"), []byte("img"))
	_, base := startDaemon(t, cfg)

	if code, _ := doRequest(t, http.MethodGet, base+"/api/status", "", nil); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", code)
	}
	if code, _ := doRequest(t, http.MethodGet, base+"/api/status", "wrong", nil); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", code)
	}
	if code, _ := doRequest(t, http.MethodGet, base+"/api/status", "s3cret", nil); code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", code)
	}
	if code, _ := doRequest(t, http.MethodGet, base+"/output/original_image.png", "", nil); code != http.StatusOK {
		t.Fatalf("expected file downloads to stay open, got %d", code)
	}
}

func TestInvocationHistoryEndpoint(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithPipelineScript("exit 0"))
	store := testsupport.MustOpenHistory(t, cfg)
	_, base := startDaemon(t, cfg, daemon.WithHistory(store))

	doRequest(t, http.MethodPost, base+"/api/run-pipeline/3", "", nil)
	doRequest(t, http.MethodPost, base+"/api/run-pipeline/bogus", "", nil)

	code, body := doRequest(t, http.MethodGet, base+"/api/invocations?limit=10", "", nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	list := decode[api.InvocationListResponse](t, body)
	if list.Total != 2 || len(list.Invocations) != 2 {
		t.Fatalf("expected two invocations, got %+v", list)
	}
	if list.Invocations[0].Outcome != string(pipeline.OutcomeInvalidStep) {
		t.Fatalf("expected newest first, got %+v", list.Invocations)
	}

	id := list.Invocations[1].ID
	code, body = doRequest(t, http.MethodGet, base+"/api/invocations/"+id, "", nil)
	if code != http.StatusOK || decode[api.Invocation](t, body).Step != "3" {
		t.Fatalf("unexpected invocation lookup %d: %s", code, body)
	}
	if code, _ := doRequest(t, http.MethodGet, base+"/api/invocations/unknown", "", nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown id, got %d", code)
	}
}

func TestLogsEndpointTailsStream(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	hub := logging.NewStreamHub(64)
	logger, err := logging.New(logging.Options{
		Level:       "info",
		Format:      "json",
		OutputPaths: []string{filepath.Join(cfg.Paths.LogDir, "test.log")},
		Stream:      hub,
	})
	if err != nil {
		t.Fatalf("logging.New: %v", err)
	}
	d, err := daemon.New(cfg, logger, daemon.WithLogStream(hub))
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(d.Stop)

	code, body := doRequest(t, http.MethodGet, "http://"+d.Addr()+"/api/logs?tail=50&component=daemon", "", nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	resp := decode[api.LogStreamResponse](t, body)
	found := false
	for _, evt := range resp.Events {
		if evt.Component != "daemon" {
			t.Fatalf("component filter leaked %+v", evt)
		}
		if evt.Message == "conewatch daemon started" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected startup event in %s", body)
	}
	if resp.Next == 0 {
		t.Fatal("expected a cursor")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
