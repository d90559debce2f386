package rpc

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/projecteru2/xenops/boot"
	"github.com/projecteru2/xenops/hypervisor"
	"github.com/projecteru2/xenops/hypervisor/simulated"
	"github.com/projecteru2/xenops/types"
	"github.com/projecteru2/xenops/vm"
	"github.com/projecteru2/xenops/xenstore"
	"github.com/projecteru2/xenops/xenstore/memstore"
)

type fixture struct {
	sim *simulated.Hypervisor
	ms  *memstore.Store
	hv  *hypervisor.Session
	s   *Server
	srv *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	sim := simulated.New()
	hv, err := hypervisor.Open(ctx, func() (hypervisor.Handle, error) { return sim, nil })
	if err != nil {
		t.Fatalf("open hypervisor: %v", err)
	}
	ms := memstore.New()
	store := xenstore.New(ms.Pipe())
	orch, err := boot.New(hv, boot.DefaultProfile())
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	s := New(hv, store, orch, 3)
	srv := httptest.NewServer(s)
	t.Cleanup(func() {
		srv.Close()
		_ = store.Close()
		_ = hv.Close()
	})
	return &fixture{sim: sim, ms: ms, hv: hv, s: s, srv: srv}
}

type reply struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
	ID      json.RawMessage `json:"id"`
}

func (f *fixture) call(t *testing.T, body string) (*http.Response, reply) {
	t.Helper()
	resp, err := http.Post(f.srv.URL, "application/json", strings.NewReader(body)) //nolint:noctx
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	var r reply
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp, r
}

func (f *fixture) ok(t *testing.T, body string) json.RawMessage {
	t.Helper()
	_, r := f.call(t, body)
	if r.Error != nil {
		t.Fatalf("unexpected error: %d %s", r.Error.Code, r.Error.Message)
	}
	return r.Result
}

// --- Protocol ---

func TestCORS(t *testing.T) {
	f := newFixture(t)
	req, _ := http.NewRequest(http.MethodOptions, f.srv.URL, nil) //nolint:noctx
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected %q, got %q", "*", got)
	}
}

func TestProtocolErrors(t *testing.T) {
	f := newFixture(t)
	for _, tc := range []struct {
		body string
		code int
	}{
		{`{`, codeParse},
		{`[]`, codeInvalidRequest},
		{`{"jsonrpc":"1.0","method":"vm.pause","id":1}`, codeInvalidRequest},
		{`{"jsonrpc":"2.0","method":"vm.explode","id":1}`, codeMethodNotFound},
		{`{"jsonrpc":"2.0","method":"vm.pause","params":{},"id":1}`, codeInvalidParams},
		{`{"jsonrpc":"2.0","method":"vm.pause","params":{"dom_id":"x"},"id":1}`, codeInvalidParams},
	} {
		body, code := tc.body, tc.code
		_, r := f.call(t, body)
		if r.Error == nil || r.Error.Code != code {
			t.Errorf("%s: expected code %d, got %+v", body, code, r.Error)
		}
	}
}

func TestNotification(t *testing.T) {
	f := newFixture(t)
	f.sim.AddDomain(types.DomainInfo{ID: 4, Running: true})
	resp, _ := f.call(t, `{"jsonrpc":"2.0","method":"vm.pause","params":{"dom_id":4}}`)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204, got %d", resp.StatusCode)
	}
	if d, _ := f.sim.Domain(4); !d.Info.Paused {
		t.Error("notification was not executed")
	}
}

func TestBatch(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Post(f.srv.URL, "application/json", strings.NewReader( //nolint:noctx
		`[{"jsonrpc":"2.0","method":"host.domain-list","id":1},{"jsonrpc":"2.0","method":"nope","id":2}]`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	var out []reply
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 2 || out[0].Error != nil || out[1].Error == nil {
		t.Errorf("unexpected batch reply: %+v", out)
	}
}

// --- Methods ---

func TestDomainList(t *testing.T) {
	f := newFixture(t)
	f.sim.AddDomain(types.DomainInfo{ID: 2, Running: true})
	f.ms.Set("/local/domain/0/name", "Domain-0")

	var rows []struct {
		DomID uint32 `json:"dom_id"`
		Name  string `json:"name"`
	}
	if err := json.Unmarshal(f.ok(t, `{"jsonrpc":"2.0","method":"host.domain-list","id":1}`), &rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rows) != 2 || rows[0].Name != "Domain-0" || rows[1].DomID != 2 || rows[1].Name != "(null)" {
		t.Errorf("unexpected rows: %+v", rows)
	}
}

func TestDomainList_SurvivesCallerCancel(t *testing.T) {
	f := newFixture(t)

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = f.hv.Do(context.Background(), func(*hypervisor.Conn) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	time.AfterFunc(20*time.Millisecond, func() { close(release) })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	v, err := f.s.domainList(ctx, nil)
	if err != nil {
		t.Fatalf("expected shared list to outlive its caller, got %v", err)
	}
	if rows, ok := v.([]vm.Summary); !ok || len(rows) != 1 {
		t.Errorf("unexpected result %#v", v)
	}
}

func TestUnknownParamsIgnored(t *testing.T) {
	f := newFixture(t)
	f.sim.AddDomain(types.DomainInfo{ID: 5, Running: true})

	body := `{"jsonrpc":"2.0","method":"vm.pause","params":{"dom_id":5,"force":true},"id":1}`
	if got := string(f.ok(t, body)); got != `"success"` {
		t.Errorf("expected success, got %s", got)
	}
}

func TestPauseUnpause(t *testing.T) {
	f := newFixture(t)
	f.sim.AddDomain(types.DomainInfo{ID: 5, Running: true})

	if got := string(f.ok(t, `{"jsonrpc":"2.0","method":"vm.pause","params":{"dom_id":5},"id":1}`)); got != `"success"` {
		t.Errorf("expected success, got %s", got)
	}
	f.ok(t, `{"jsonrpc":"2.0","method":"vm.unpause","params":{"dom_id":5},"id":2}`)

	_, r := f.call(t, `{"jsonrpc":"2.0","method":"vm.unpause","params":{"dom_id":5},"id":3}`)
	if r.Error == nil || r.Error.Code != codeServer {
		t.Fatalf("expected server error, got %+v", r.Error)
	}
	if !strings.Contains(r.Error.Message, "unpause domain 5") {
		t.Errorf("unexpected message %q", r.Error.Message)
	}
}

func TestShutdownAndName(t *testing.T) {
	f := newFixture(t)
	f.ms.Set("/local/domain/6/name", "guest")

	f.ok(t, `{"jsonrpc":"2.0","method":"vm.shutdown","params":{"dom_id":6,"reason":"reboot"},"id":1}`)
	if got, _ := f.ms.Get("/local/domain/6/control/shutdown"); got != "reboot" {
		t.Errorf("expected %q, got %q", "reboot", got)
	}
	f.ok(t, `{"jsonrpc":"2.0","method":"vm.shutdown","params":{"dom_id":6},"id":2}`)
	if got, _ := f.ms.Get("/local/domain/6/control/shutdown"); got != "poweroff" {
		t.Errorf("expected %q, got %q", "poweroff", got)
	}
	if got := string(f.ok(t, `{"jsonrpc":"2.0","method":"vm.name","params":{"dom_id":6},"id":3}`)); got != `"guest"` {
		t.Errorf("expected guest, got %s", got)
	}

	_, r := f.call(t, `{"jsonrpc":"2.0","method":"vm.shutdown","params":{"dom_id":6,"reason":"nap"},"id":4}`)
	if r.Error == nil || r.Error.Code != codeInvalidParams {
		t.Errorf("expected invalid params, got %+v", r.Error)
	}
}

func TestCreateAndBoot(t *testing.T) {
	f := newFixture(t)
	image := filepath.Join(t.TempDir(), "kernel.bin")
	if err := os.WriteFile(image, []byte{0xf4}, 0o600); err != nil {
		t.Fatal(err)
	}

	var id uint32
	if err := json.Unmarshal(f.ok(t, `{"jsonrpc":"2.0","method":"vm.create","id":1}`), &id); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d, ok := f.sim.Domain(types.DomainID(id)); !ok || !d.Info.Paused {
		t.Fatalf("expected paused domain %d", id)
	}

	body, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0", "method": "vm.boot", "id": 2,
		"params": map[string]any{"dom_id": id, "image_path": image},
	})
	var res boot.Result
	if err := json.Unmarshal(f.ok(t, string(body)), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if uint32(res.DomainID) != id || res.ImageSize != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
	if d, _ := f.sim.Domain(types.DomainID(id)); !d.Info.Running {
		t.Error("expected running domain")
	}
	if got, _ := f.ms.Get(xenstore.DomainPath(types.DomainID(id)) + "/xenops/image"); got != image {
		t.Errorf("expected %q, got %q", image, got)
	}

	body, _ = json.Marshal(map[string]any{
		"jsonrpc": "2.0", "method": "vm.create", "id": 3,
		"params": map[string]any{"image_path": image},
	})
	var second uint32
	if err := json.Unmarshal(f.ok(t, string(body)), &second); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d, _ := f.sim.Domain(types.DomainID(second)); second == id || !d.Info.Running {
		t.Errorf("expected a second running domain, got %d", second)
	}
}

// --- Serve ---

func TestServeListener_StopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := New(nil, nil, nil, 1)
	done := make(chan error, 1)
	go func() { done <- s.ServeListener(ctx, ln) }()

	resp, err := http.Post("http://"+ln.Addr().String(), "application/json", //nolint:noctx
		strings.NewReader(`{"jsonrpc":"2.0","method":"nope","id":1}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close() //nolint:errcheck

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
