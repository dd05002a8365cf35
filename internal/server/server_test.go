package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/cardash/internal/collector"
	"github.com/shaunagostinho/cardash/internal/engine"
	"github.com/shaunagostinho/cardash/internal/latest"
	"github.com/shaunagostinho/cardash/internal/obd"
	"github.com/shaunagostinho/cardash/internal/reconnect"
)

type fakeCollector struct {
	mu          sync.Mutex
	connectErr  error
	scanErr     error
	codes       []obd.TroubleCode
	connected   []string
	disconnects int
}

func (f *fakeCollector) Connect(addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if addr == "" {
		return reconnect.ErrNoTarget
	}
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = append(f.connected, addr)
	return nil
}

func (f *fakeCollector) Disconnect() {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
}

func (f *fakeCollector) ScanTroubleCodes(ctx context.Context) ([]obd.TroubleCode, error) {
	return f.codes, f.scanErr
}

func (f *fakeCollector) Status() collector.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := collector.Status{Link: obd.Disconnected, State: reconnect.Idle}
	if n := len(f.connected); n > 0 {
		st.Link, st.State, st.Target = obd.Connected, reconnect.Connected, f.connected[n-1]
	}
	return st
}

type fakeSamples struct {
	v *latest.Value[engine.FusedSample]
}

func (f fakeSamples) Samples(ctx context.Context) <-chan engine.FusedSample {
	return f.v.Subscribe(ctx)
}

func newTestServer(t *testing.T) (*Server, *fakeCollector, fakeSamples) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), "config.yaml")
	svc := &fakeCollector{}
	src := fakeSamples{v: latest.New[engine.FusedSample]()}
	return New(cfg, svc, src), svc, src
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestConnectAPI(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/connect", `{"address":"00:1D:A5:68:98:8B"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("code = %d, body %s", rec.Code, rec.Body)
	}
	var st collector.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.Target != "00:1D:A5:68:98:8B" {
		t.Errorf("target = %q", st.Target)
	}
	if !strings.Contains(rec.Body.String(), `"state":"CONNECTED"`) {
		t.Errorf("body = %s", rec.Body)
	}

	if rec := do(t, h, http.MethodGet, "/api/connect", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET code = %d", rec.Code)
	}
}

func TestConnectFallsBackToConfiguredTarget(t *testing.T) {
	s, svc, _ := newTestServer(t)
	h := s.Handler()

	if rec := do(t, h, http.MethodPost, "/api/connect", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("no target code = %d", rec.Code)
	}

	s.cfg.OBD.Target = "66:35:56:78:90:AB"
	if rec := do(t, h, http.MethodPost, "/api/connect", `{}`); rec.Code != http.StatusAccepted {
		t.Fatalf("code = %d", rec.Code)
	}
	if len(svc.connected) != 1 || svc.connected[0] != "66:35:56:78:90:AB" {
		t.Errorf("connected = %v", svc.connected)
	}
}

func TestConnectInFlight(t *testing.T) {
	s, svc, _ := newTestServer(t)
	svc.connectErr = reconnect.ErrAttemptInFlight

	rec := do(t, s.Handler(), http.MethodPost, "/api/connect", `{"address":"AA"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("code = %d, want 409", rec.Code)
	}
}

func TestDisconnectAPI(t *testing.T) {
	s, svc, _ := newTestServer(t)
	rec := do(t, s.Handler(), http.MethodPost, "/api/disconnect", "")
	if rec.Code != http.StatusOK || svc.disconnects != 1 {
		t.Errorf("code = %d disconnects = %d", rec.Code, svc.disconnects)
	}
}

func TestDTCAPI(t *testing.T) {
	s, svc, _ := newTestServer(t)
	h := s.Handler()

	svc.scanErr = obd.ErrNotConnected
	if rec := do(t, h, http.MethodGet, "/api/dtc", ""); rec.Code != http.StatusConflict {
		t.Errorf("not connected code = %d", rec.Code)
	}

	svc.scanErr = nil
	rec := do(t, h, http.MethodGet, "/api/dtc", "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != `{"codes":[]}` {
		t.Errorf("no codes: %d %s", rec.Code, rec.Body)
	}

	svc.codes = []obd.TroubleCode{{Code: "P0300", Description: "Random or Multiple Cylinder Misfire Detected", Severity: 3}}
	rec = do(t, h, http.MethodGet, "/api/dtc", "")
	var body struct {
		Codes []obd.TroubleCode `json:"codes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Codes) != 1 || body.Codes[0].Code != "P0300" {
		t.Errorf("codes = %+v", body.Codes)
	}
}

func TestConfigAPIClampsAndSaves(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/config", `{"polling":{"periodMs":20,"storageIntervalMs":120000}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, body %s", rec.Code, rec.Body)
	}
	if got := s.cfg.PollPeriod(); got != MinPollPeriodMs*time.Millisecond {
		t.Errorf("PollPeriod = %v", got)
	}
	if got := s.cfg.StorageInterval(); got != MaxStorageIntervalMs*time.Millisecond {
		t.Errorf("StorageInterval = %v", got)
	}
	// Untouched sections survive the merge.
	if s.cfg.OBD.ELM327.BaudRate != 38400 {
		t.Errorf("baud = %d, want 38400", s.cfg.OBD.ELM327.BaudRate)
	}

	reloaded := LoadConfig(s.cfg.path)
	if reloaded.Polling.PeriodMs != MinPollPeriodMs {
		t.Errorf("saved period = %d", reloaded.Polling.PeriodMs)
	}

	rec = do(t, h, http.MethodGet, "/api/config", "")
	if !bytes.Contains(rec.Body.Bytes(), []byte(`"periodMs":100`)) {
		t.Errorf("GET config = %s", rec.Body)
	}
}

func TestConfigAPIUpdatesPolicyLive(t *testing.T) {
	s, _, _ := newTestServer(t)
	var settings engine.Settings = s.cfg

	rec := do(t, s.Handler(), http.MethodPost, "/api/config", `{"polling":{"rpmDelta":350,"speedDelta":8}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, body %s", rec.Code, rec.Body)
	}
	want := engine.PersistencePolicy{RPMDelta: 350, SpeedDelta: 8}
	if got := settings.Policy(); got != want {
		t.Errorf("Policy = %+v, want %+v", got, want)
	}
}

func TestWebSocketStreamsLatestSample(t *testing.T) {
	s, _, src := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	src.v.Set(engine.FusedSample{TripID: "trip-1", Cycle: 41, RPM: engine.Some(900)})

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var hello Frame
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatal(err)
	}
	if hello.Status == nil || len(hello.Config) == 0 {
		t.Fatalf("first frame = %+v, want status and config", hello)
	}

	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatal(err)
	}
	if f.Sample == nil || f.Sample.Cycle != 41 || f.Sample.RPM != engine.Some(900) {
		t.Fatalf("replayed sample = %+v", f.Sample)
	}

	src.v.Set(engine.FusedSample{TripID: "trip-1", Cycle: 42})
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatal(err)
	}
	if f.Sample == nil || f.Sample.Cycle != 42 {
		t.Errorf("next sample = %+v", f.Sample)
	}
}
