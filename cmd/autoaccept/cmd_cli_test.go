package main

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/pinchtab/autoaccept/internal/config"
)

func TestIsCLICommand(t *testing.T) {
	valid := []string{"health", "targets", "stats", "summary", "start", "stop",
		"focus", "mode", "ban", "audit", "ss", "screenshot", "prompt", "accept", "halt", "help"}
	for _, cmd := range valid {
		if !isCLICommand(cmd) {
			t.Errorf("expected %q to be a CLI command", cmd)
		}
	}

	invalid := []string{"config", "server", "run", "nav", ""}
	for _, cmd := range invalid {
		if isCLICommand(cmd) {
			t.Errorf("expected %q to NOT be a CLI command", cmd)
		}
	}
}

func TestPrintHelp(t *testing.T) {
	printHelp()
}

// mockServer records the last request and returns a configurable response.
type mockServer struct {
	server      *httptest.Server
	lastMethod  string
	lastPath    string
	lastQuery   string
	lastBody    string
	lastHeaders http.Header
	response    string
	statusCode  int
}

func newMockServer() *mockServer {
	m := &mockServer{statusCode: 200, response: `{"status":"ok"}`}
	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.lastMethod = r.Method
		m.lastPath = r.URL.Path
		m.lastQuery = r.URL.RawQuery
		m.lastHeaders = r.Header
		if r.Body != nil {
			body, _ := io.ReadAll(r.Body)
			m.lastBody = string(body)
		}
		w.WriteHeader(m.statusCode)
		_, _ = w.Write([]byte(m.response))
	}))
	return m
}

func (m *mockServer) close()       { m.server.Close() }
func (m *mockServer) base() string { return m.server.URL }

func (m *mockServer) body(t *testing.T) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal([]byte(m.lastBody), &out); err != nil {
		t.Fatalf("body %q: %v", m.lastBody, err)
	}
	return out
}

func TestCLIBaseFromEnv(t *testing.T) {
	cfg := &config.RuntimeConfig{Bind: "127.0.0.1", Port: "9868", Token: "cfg"}
	t.Setenv("AUTOACCEPT_URL", "http://remote:1234/")
	t.Setenv("AUTOACCEPT_TOKEN", "env")
	base, token := cliBase(cfg)
	if base != "http://remote:1234" {
		t.Errorf("base = %q", base)
	}
	if token != "env" {
		t.Errorf("token = %q", token)
	}
}

func TestCLIBaseDefault(t *testing.T) {
	t.Setenv("AUTOACCEPT_URL", "")
	t.Setenv("AUTOACCEPT_TOKEN", "")
	base, token := cliBase(&config.RuntimeConfig{Bind: "127.0.0.1", Port: "9868", Token: "cfg"})
	if base != "http://127.0.0.1:9868" || token != "cfg" {
		t.Errorf("got %q %q", base, token)
	}
}

func TestDoGetSendsToken(t *testing.T) {
	m := newMockServer()
	defer m.close()

	doGet(m.server.Client(), m.base(), "secret", "/stats", nil)
	if m.lastMethod != "GET" || m.lastPath != "/stats" {
		t.Errorf("got %s %s", m.lastMethod, m.lastPath)
	}
	if got := m.lastHeaders.Get("Authorization"); got != "Bearer secret" {
		t.Errorf("auth header = %q", got)
	}
}

func TestCLIFocus(t *testing.T) {
	m := newMockServer()
	defer m.close()

	cliFocus(m.server.Client(), m.base(), "", []string{"off"})
	if m.lastPath != "/focus" {
		t.Errorf("path = %s", m.lastPath)
	}
	if v, ok := m.body(t)["focused"].(bool); !ok || v {
		t.Errorf("focused = %v", m.body(t)["focused"])
	}
}

func TestParseOnOff(t *testing.T) {
	tests := []struct {
		in   string
		v    bool
		okay bool
	}{
		{"on", true, true},
		{"YES", true, true},
		{"0", false, true},
		{"off", false, true},
		{"maybe", false, false},
	}
	for _, tt := range tests {
		v, ok := parseOnOff(tt.in)
		if v != tt.v || ok != tt.okay {
			t.Errorf("parseOnOff(%q) = %v, %v", tt.in, v, ok)
		}
	}
}

func TestCLIModePro(t *testing.T) {
	m := newMockServer()
	defer m.close()

	cliMode(m.server.Client(), m.base(), "", []string{"background", "--pro"})
	if m.lastMethod != "POST" || m.lastPath != "/config" {
		t.Errorf("got %s %s", m.lastMethod, m.lastPath)
	}
	body := m.body(t)
	if body["mode"] != "background" || body["tier"] != config.TierPro {
		t.Errorf("body = %v", body)
	}
}

func TestCLIAuditLimit(t *testing.T) {
	m := newMockServer()
	defer m.close()

	cliAudit(m.server.Client(), m.base(), "", []string{"-n", "5"})
	if m.lastPath != "/audit" || m.lastQuery != "limit=5" {
		t.Errorf("got %s?%s", m.lastPath, m.lastQuery)
	}
}

func TestCLIPromptJoinsWords(t *testing.T) {
	m := newMockServer()
	defer m.close()

	cliPrompt(m.server.Client(), m.base(), "", []string{"tgt_abc", "fix", "the", "tests", "--humanize"})
	if m.lastPath != "/targets/tgt_abc/prompt" {
		t.Errorf("path = %s", m.lastPath)
	}
	body := m.body(t)
	if body["text"] != "fix the tests" || body["humanize"] != true {
		t.Errorf("body = %v", body)
	}
}

func TestCLITargetOps(t *testing.T) {
	m := newMockServer()
	defer m.close()

	for cmd, path := range map[string]string{
		"accept": "/targets/tgt_abc/accept",
		"halt":   "/targets/tgt_abc/stop-generation",
	} {
		cliTargetOp(m.server.Client(), m.base(), "", cmd, []string{"tgt_abc"})
		if m.lastMethod != "POST" || m.lastPath != path {
			t.Errorf("%s: %s %s, want POST %s", cmd, m.lastMethod, m.lastPath, path)
		}
	}
}

func TestCLIScreenshotWritesFile(t *testing.T) {
	m := newMockServer()
	defer m.close()
	img := []byte{0xff, 0xd8, 0xff, 0xe0}
	m.response = `{"format":"jpeg","base64":"` + base64.StdEncoding.EncodeToString(img) + `"}`

	out := filepath.Join(t.TempDir(), "shot.jpg")
	cliScreenshot(m.server.Client(), m.base(), "", []string{"tgt_abc", "-o", out, "-q", "80"})

	if m.lastQuery != "quality=80" {
		t.Errorf("query = %q", m.lastQuery)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(img) {
		t.Errorf("file = %x", got)
	}
}
