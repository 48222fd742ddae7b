package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pinchtab/autoaccept/internal/config"
)

func printHelp() {
	fmt.Printf(`autoaccept %s - hands-free approval for IDE agent prompts

MODES:
  autoaccept                Start the engine and control server (default port 9868)
  autoaccept config init    Write a default config file
  autoaccept config show    Print the effective configuration

CLI (requires running server):
  autoaccept health                     Server and debugger status
  autoaccept targets                    List attached targets
  autoaccept stats                      Click and block counters
  autoaccept summary                    Counters with estimated time saved
  autoaccept start | stop               Toggle automation
  autoaccept focus <on|off>             Report window focus
  autoaccept mode <background|interactive> [--pro]
  autoaccept ban <cmd>...               Replace the banned command list
  autoaccept audit [-n 50]              Recent clicks and blocks
  autoaccept ss <target> [-o file] [-q 50] [--png]
  autoaccept prompt <target> <text> [--humanize]
  autoaccept accept <target>            Run one gated accept pass now
  autoaccept halt <target>              Press the target's stop control

ENVIRONMENT:
  AUTOACCEPT_URL       Server URL (default: http://127.0.0.1:9868)
  AUTOACCEPT_TOKEN     Auth token (sent as Bearer)
  CDP_URL              Attach to a running browser instead of probing ports
  AUTOACCEPT_PORTS     Debug ports to probe, e.g. 9000-9003,9222
`, version)
}

var cliCommands = map[string]bool{
	"health": true, "targets": true,
	"stats": true, "summary": true,
	"start": true, "stop": true, "focus": true,
	"mode": true, "ban": true,
	"audit": true,
	"screenshot": true, "ss": true,
	"prompt": true, "accept": true, "halt": true,
	"help": true,
}

func isCLICommand(cmd string) bool {
	return cliCommands[cmd]
}

func cliBase(cfg *config.RuntimeConfig) (string, string) {
	base := fmt.Sprintf("http://%s:%s", cfg.Bind, cfg.Port)
	if envURL := os.Getenv("AUTOACCEPT_URL"); envURL != "" {
		base = strings.TrimRight(envURL, "/")
	}
	token := cfg.Token
	if envToken := os.Getenv("AUTOACCEPT_TOKEN"); envToken != "" {
		token = envToken
	}
	return base, token
}

func runCLI(cfg *config.RuntimeConfig) {
	cmd := os.Args[1]
	args := os.Args[2:]
	base, token := cliBase(cfg)
	client := &http.Client{Timeout: 30 * time.Second}

	switch cmd {
	case "health", "targets", "stats", "summary":
		doGet(client, base, token, "/"+cmd, nil)
	case "start", "stop":
		doPost(client, base, token, "/"+cmd, map[string]any{})
	case "focus":
		cliFocus(client, base, token, args)
	case "mode":
		cliMode(client, base, token, args)
	case "ban":
		doPost(client, base, token, "/config", map[string]any{"bannedCommands": args})
	case "audit":
		cliAudit(client, base, token, args)
	case "screenshot", "ss":
		cliScreenshot(client, base, token, args)
	case "prompt":
		cliPrompt(client, base, token, args)
	case "accept", "halt":
		cliTargetOp(client, base, token, cmd, args)
	case "help":
		printHelp()
	}
}

func parseOnOff(s string) (bool, bool) {
	switch strings.ToLower(s) {
	case "on", "true", "1", "yes":
		return true, true
	case "off", "false", "0", "no":
		return false, true
	}
	return false, false
}

func cliFocus(client *http.Client, base, token string, args []string) {
	if len(args) < 1 {
		fatal("Usage: autoaccept focus <on|off>")
	}
	v, ok := parseOnOff(args[0])
	if !ok {
		fatal("focus: expected on or off, got %q", args[0])
	}
	doPost(client, base, token, "/focus", map[string]any{"focused": v})
}

func cliMode(client *http.Client, base, token string, args []string) {
	if len(args) < 1 {
		fatal("Usage: autoaccept mode <background|interactive> [--pro]")
	}
	body := map[string]any{"mode": args[0], "tier": config.TierFree}
	for _, a := range args[1:] {
		if a == "--pro" {
			body["tier"] = config.TierPro
		}
	}
	doPost(client, base, token, "/config", body)
}

func cliAudit(client *http.Client, base, token string, args []string) {
	params := url.Values{}
	for i := 0; i < len(args); i++ {
		if (args[i] == "-n" || args[i] == "--limit") && i+1 < len(args) {
			i++
			params.Set("limit", args[i])
		}
	}
	doGet(client, base, token, "/audit", params)
}

func cliScreenshot(client *http.Client, base, token string, args []string) {
	if len(args) < 1 {
		fatal("Usage: autoaccept ss <target> [-o file] [-q 50] [--png]")
	}
	id := args[0]
	params := url.Values{}
	outFile := ""
	ext := "jpg"
	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "-o", "--output":
			if i+1 < len(args) {
				i++
				outFile = args[i]
			}
		case "-q", "--quality":
			if i+1 < len(args) {
				i++
				params.Set("quality", args[i])
			}
		case "--png":
			params.Set("format", "png")
			ext = "png"
		}
	}

	data := doGetRaw(client, base, token, "/targets/"+url.PathEscape(id)+"/screenshot", params)
	var resp struct {
		Base64 string `json:"base64"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		fatal("decode screenshot: %v", err)
	}
	img, err := base64.StdEncoding.DecodeString(resp.Base64)
	if err != nil {
		fatal("decode screenshot: %v", err)
	}
	if outFile == "" {
		outFile = fmt.Sprintf("screenshot-%s.%s", time.Now().Format("20060102-150405"), ext)
	}
	if err := os.WriteFile(outFile, img, 0600); err != nil {
		fatal("Write failed: %v", err)
	}
	fmt.Printf("Saved %s (%d bytes)\n", outFile, len(img))
}

func cliPrompt(client *http.Client, base, token string, args []string) {
	if len(args) < 2 {
		fatal("Usage: autoaccept prompt <target> <text> [--humanize]")
	}
	humanize := false
	var words []string
	for _, a := range args[1:] {
		if a == "--humanize" {
			humanize = true
			continue
		}
		words = append(words, a)
	}
	body := map[string]any{"text": strings.Join(words, " "), "humanize": humanize}
	doPost(client, base, token, "/targets/"+url.PathEscape(args[0])+"/prompt", body)
}

var targetOps = map[string]string{
	"accept": "accept",
	"halt":   "stop-generation",
}

func cliTargetOp(client *http.Client, base, token, cmd string, args []string) {
	if len(args) < 1 {
		fatal("Usage: autoaccept %s <target>", cmd)
	}
	doPost(client, base, token, "/targets/"+url.PathEscape(args[0])+"/"+targetOps[cmd], map[string]any{})
}

// --- helpers ---

func doGet(client *http.Client, base, token, path string, params url.Values) {
	printJSON(doGetRaw(client, base, token, path, params))
}

func doGetRaw(client *http.Client, base, token, path string, params url.Values) []byte {
	u := base + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, _ := http.NewRequest("GET", u, nil)
	return send(client, req, token)
}

func doPost(client *http.Client, base, token, path string, body map[string]any) {
	data, _ := json.Marshal(body)
	req, _ := http.NewRequest("POST", base+path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	printJSON(send(client, req, token))
}

func send(client *http.Client, req *http.Request, token string) []byte {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		fatal("Request failed: %v", err)
		return nil
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "Error %d: %s\n", resp.StatusCode, string(body))
		os.Exit(1)
	}
	return body
}

func printJSON(body []byte) {
	var buf bytes.Buffer
	if json.Indent(&buf, body, "", "  ") == nil {
		fmt.Println(buf.String())
	} else {
		fmt.Println(string(body))
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
