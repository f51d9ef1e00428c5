package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/zsiec/mtcclock/internal/certs"
	"github.com/zsiec/mtcclock/internal/ingest"
	srtingest "github.com/zsiec/mtcclock/internal/ingest/srt"
	"github.com/zsiec/mtcclock/internal/midiwire"
	"github.com/zsiec/mtcclock/internal/mtc"
	"github.com/zsiec/mtcclock/internal/pipeline"
	"github.com/zsiec/mtcclock/internal/stream"
)

type testEnv struct {
	srv *Server
	mgr *stream.Manager
	// w feeds MIDI bytes to the "desk" source.
	w *io.PipeWriter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cert, err := certs.Generate(24 * time.Hour)
	if err != nil {
		t.Fatalf("certs.Generate: %v", err)
	}

	mgr := stream.NewManager(nil)
	pr, pw := io.Pipe()
	p := pipeline.New("desk", pr, pipeline.Config{PollInterval: time.Millisecond})
	if _, ok := mgr.Create(p); !ok {
		t.Fatal("Create failed")
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		pw.Close()
		<-done
	})

	srv, err := NewServer(ServerConfig{
		Addr:    ":0",
		Cert:    cert,
		Sources: mgr,
		IngestLookup: func(key string) *ingest.Stats {
			if key != "desk" {
				return nil
			}
			return &ingest.Stats{BytesReceived: 42, RemoteAddr: "10.0.0.9:5000"}
		},
		SRTList: func() []SRTPullInfo { return nil },
		Ports:   func() []string { return []string{"IAC Driver Bus 1"} },
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return &testEnv{srv: srv, mgr: mgr, w: pw}
}

func (e *testEnv) do(method, target, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.srv.APIHandler().ServeHTTP(rec, req)
	return rec
}

func TestHandleListSources(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.do("GET", "/api/sources", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var sources []struct {
		Key   string `json:"key"`
		State struct {
			Timecode  string `json:"timecode"`
			Mode      string `json:"mode"`
			Indicator string `json:"indicator"`
		} `json:"state"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&sources); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(sources) != 1 || sources[0].Key != "desk" {
		t.Fatalf("sources = %+v", sources)
	}
	if s := sources[0].State; s.Timecode != "00:00:00:00" || s.Mode != "clock" || s.Indicator != "stopped" {
		t.Errorf("state = %+v", s)
	}
}

func TestHandleListSourcesEmpty(t *testing.T) {
	t.Parallel()

	cert, err := certs.Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	srv, err := NewServer(ServerConfig{Addr: ":0", Cert: cert, Sources: stream.NewManager(nil)})
	if err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	srv.APIHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/sources", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Fatalf("body = %q, want []", body)
	}
}

func TestHandleSource(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	ff, err := mtc.FullFrame(mtc.Timecode{Hour: 10, Minute: 1}, mtc.Rate25, mtc.AllDevices)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.w.Write(midiwire.Encode(ff)); err != nil {
		t.Fatal(err)
	}

	var detail struct {
		Key   string `json:"key"`
		State struct {
			Timecode  string  `json:"timecode"`
			Framerate float64 `json:"framerate"`
			Mode      string  `json:"mode"`
		} `json:"state"`
		Ingest *ingest.Stats `json:"ingest"`
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec := env.do("GET", "/api/sources/desk", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if err := json.NewDecoder(rec.Body).Decode(&detail); err != nil {
			t.Fatal(err)
		}
		if detail.State.Mode == "timecode" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("source never switched to timecode: %+v", detail)
		}
		time.Sleep(time.Millisecond)
	}
	if detail.State.Timecode != "10:01:00:00" || detail.State.Framerate != 25 {
		t.Errorf("state = %+v", detail.State)
	}
	if detail.Ingest == nil || detail.Ingest.BytesReceived != 42 {
		t.Errorf("ingest = %+v", detail.Ingest)
	}
}

func TestHandleSourceNotFound(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	for _, path := range []string{"/api/sources/nope", "/api/sources/nope/feed"} {
		if rec := env.do("GET", path, ""); rec.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want %d", path, rec.Code, http.StatusNotFound)
		}
	}
}

func TestHandleFeed(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	ts := httptest.NewServer(env.srv.APIHandler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/sources/desk/feed")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != FeedContentType {
		t.Fatalf("Content-Type = %q", ct)
	}

	fr := NewFeedReader(resp.Body)
	first, err := fr.ReadFeedFrame()
	if err != nil {
		t.Fatalf("first frame: %v", err)
	}
	if first.Mode != pipeline.ModeClock {
		t.Fatalf("first frame mode = %v", first.Mode)
	}

	ff, err := mtc.FullFrame(mtc.Timecode{Hour: 1, Minute: 2, Second: 3, Frame: 4}, mtc.Rate30, mtc.AllDevices)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.w.Write(midiwire.Encode(ff)); err != nil {
		t.Fatal(err)
	}

	next, err := fr.ReadFeedFrame()
	if err != nil {
		t.Fatalf("next frame: %v", err)
	}
	if next.Mode != pipeline.ModeTimecode || next.Timecode.String() != "01:02:03:04" || next.Framerate != mtc.Rate30 {
		t.Errorf("frame = %+v", next)
	}
	if next.Seq <= first.Seq {
		t.Errorf("seq did not advance: %d then %d", first.Seq, next.Seq)
	}

	// Ending the source ends the feed.
	env.w.Close()
	for {
		if _, err := fr.ReadFeedFrame(); err != nil {
			if !errors.Is(err, io.EOF) {
				t.Fatalf("feed ended with %v, want EOF", err)
			}
			break
		}
	}
}

func TestHandlePorts(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.do("GET", "/api/midi-ports", "")
	var ports []string
	if err := json.NewDecoder(rec.Body).Decode(&ports); err != nil {
		t.Fatal(err)
	}
	if len(ports) != 1 || ports[0] != "IAC Driver Bus 1" {
		t.Fatalf("ports = %v", ports)
	}
}

func TestHandleCertHash(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.do("GET", "/api/cert-hash", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var resp certHashResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Hash != env.srv.config.Cert.FingerprintBase64() {
		t.Fatalf("hash = %q", resp.Hash)
	}
}

func TestHandleFeedEndsWhenSourceRemoved(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	ts := httptest.NewServer(env.srv.APIHandler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/sources/desk/feed", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	fr := NewFeedReader(resp.Body)
	if _, err := fr.ReadFeedFrame(); err != nil {
		t.Fatalf("first frame: %v", err)
	}

	// The host loop keeps running; only the manager entry goes away.
	env.mgr.Remove("desk")

	for {
		_, err := fr.ReadFeedFrame()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			t.Fatalf("feed did not end cleanly: %v", err)
		}
	}
}

func TestHandleSRTPull(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	var pulled SRTPullInfo
	env.srv.config.SRTPull = func(address, key, streamID string) error {
		switch key {
		case "busy":
			return fmt.Errorf("%w for source %q", srtingest.ErrPullExists, key)
		case "taken":
			return fmt.Errorf("srt: register %q: %w", key, ingest.ErrSourceExists)
		case "bad..key":
			return fmt.Errorf("srt: source key %q: %w", key, ingest.ErrInvalidKey)
		case "far":
			return errors.New("SRT dial 10.0.0.9:9000: connection refused")
		}
		pulled = SRTPullInfo{Address: address, SourceKey: key, StreamID: streamID}
		return nil
	}
	env.srv.config.SRTStop = func(key string) error {
		if key != "stage" {
			return errors.New("srt: no active pull")
		}
		return nil
	}

	tests := []struct {
		name   string
		method string
		target string
		body   string
		want   int
	}{
		{"create", "POST", "/api/srt-pull", `{"address":"10.0.0.2:9000","sourceKey":"stage"}`, http.StatusCreated},
		{"create conflict", "POST", "/api/srt-pull", `{"address":"10.0.0.2:9000","sourceKey":"busy"}`, http.StatusConflict},
		{"create source exists", "POST", "/api/srt-pull", `{"address":"10.0.0.2:9000","sourceKey":"taken"}`, http.StatusConflict},
		{"create invalid key", "POST", "/api/srt-pull", `{"address":"10.0.0.2:9000","sourceKey":"bad..key"}`, http.StatusBadRequest},
		{"create dial failure", "POST", "/api/srt-pull", `{"address":"10.0.0.9:9000","sourceKey":"far"}`, http.StatusBadGateway},
		{"create missing fields", "POST", "/api/srt-pull", `{"address":""}`, http.StatusBadRequest},
		{"create bad json", "POST", "/api/srt-pull", `{`, http.StatusBadRequest},
		{"stop", "DELETE", "/api/srt-pull?sourceKey=stage", "", http.StatusOK},
		{"stop unknown", "DELETE", "/api/srt-pull?sourceKey=other", "", http.StatusNotFound},
		{"stop missing key", "DELETE", "/api/srt-pull", "", http.StatusBadRequest},
		{"list", "GET", "/api/srt-pull", "", http.StatusOK},
		{"options", "OPTIONS", "/api/srt-pull", "", http.StatusNoContent},
	}
	for _, tt := range tests {
		rec := env.do(tt.method, tt.target, tt.body)
		if rec.Code != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.name, rec.Code, tt.want)
		}
	}
	if pulled.Address != "10.0.0.2:9000" || pulled.SourceKey != "stage" {
		t.Errorf("pulled = %+v", pulled)
	}
}

func TestHandleSRTPullNotConfigured(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.do("POST", "/api/srt-pull", `{"address":"10.0.0.2:9000","sourceKey":"stage"}`)
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotImplemented)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q, want %q", ct, "application/json")
	}
	var errResp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if errResp["error"] == "" {
		t.Fatal("expected non-empty error field")
	}
}

func TestCORSHeaders(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.do("GET", "/api/sources", "")
	if cors := rec.Header().Get("Access-Control-Allow-Origin"); cors != "*" {
		t.Fatalf("CORS header = %q, want %q", cors, "*")
	}
}

func TestNewServerValidation(t *testing.T) {
	t.Parallel()

	cert, err := certs.Generate(time.Hour)
	if err != nil {
		t.Fatalf("certs.Generate: %v", err)
	}
	mgr := stream.NewManager(nil)

	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr bool
	}{
		{"missing cert", ServerConfig{Addr: ":4443", Sources: mgr}, true},
		{"missing addr", ServerConfig{Cert: cert, Sources: mgr}, true},
		{"missing sources", ServerConfig{Addr: ":4443", Cert: cert}, true},
		{"valid config", ServerConfig{Addr: ":4443", Cert: cert, Sources: mgr}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv, err := NewServer(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && srv == nil {
				t.Fatal("server is nil")
			}
		})
	}
}
