// Command glyphctl is a thin HTTP client for a running glyphd. It never
// touches config.toml, the store, or the keyring directly — every verb is a
// request against the HTTP gateway in internal/api. One flag.NewFlagSet per
// subcommand; die() for fatal usage and IO errors.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func die(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

type globalFlags struct {
	base  string
	token string
}

func (g *globalFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&g.base, "addr", "http://127.0.0.1:8080", "glyphd base URL")
	fs.StringVar(&g.token, "token", "", "X-Auth bearer token")
}

func (g *globalFlags) do(method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, strings.TrimRight(g.base, "/")+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.token != "" {
		req.Header.Set("X-Auth", g.token)
	}
	client := &http.Client{Timeout: 30 * time.Second}
	return client.Do(req)
}

func decodeOrDie(resp *http.Response, out any) {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		die("decode response: %v", err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `glyphctl — HTTP client for a glyphd orchestrator

Usage:
  glyphctl compile -glyph "verify; invoke; audit"
  glyphctl run -glyph "verify; invoke" [-tenant acme] [-prio 0]
  glyphctl get -run <run-id>
  glyphctl wait -run <run-id> [-timeout 30s]
  glyphctl cancel -run <run-id>
  glyphctl tail [-n 20]
  glyphctl stream
  glyphctl proof -index <i>
  glyphctl verify -root <hex> -index <i> -line <json> -path <json>

Global flags (valid after the subcommand): -addr, -token`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "compile":
		cmdCompile(os.Args[2:])
	case "run":
		cmdRun(os.Args[2:])
	case "get":
		cmdGet(os.Args[2:])
	case "wait":
		cmdWait(os.Args[2:])
	case "cancel":
		cmdCancel(os.Args[2:])
	case "tail":
		cmdTail(os.Args[2:])
	case "stream":
		cmdStream(os.Args[2:])
	case "proof":
		cmdProof(os.Args[2:])
	case "verify":
		cmdVerify(os.Args[2:])
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func cmdCompile(args []string) {
	fs := flag.NewFlagSet("compile", flag.ExitOnError)
	g := &globalFlags{}
	g.register(fs)
	glyphText := fs.String("glyph", "", "glyph program text (required)")
	fs.Parse(args)

	if strings.TrimSpace(*glyphText) == "" {
		die("-glyph is required")
	}

	resp, err := g.do(http.MethodPost, "/workflows/compile", map[string]string{"glyph": *glyphText})
	if err != nil {
		die("compile request failed: %v", err)
	}

	var out struct {
		OK      bool     `json:"ok"`
		Tasks   []string `json:"tasks"`
		Digest  string   `json:"dag_digest"`
		Explain string   `json:"explain"`
	}
	decodeOrDie(resp, &out)
	if !out.OK {
		fmt.Fprintf(os.Stderr, "glyph rejected: %s\n", out.Explain)
		os.Exit(2)
	}
	fmt.Printf("ok  digest=%s\n", out.Digest)
	for _, t := range out.Tasks {
		fmt.Println(" ", t)
	}
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	g := &globalFlags{}
	g.register(fs)
	glyphText := fs.String("glyph", "", "glyph program text (required)")
	tenant := fs.String("tenant", "", "tenant name")
	prio := fs.Int("prio", 0, "queue priority")
	fs.Parse(args)

	if strings.TrimSpace(*glyphText) == "" {
		die("-glyph is required")
	}

	resp, err := g.do(http.MethodPost, "/runs", map[string]any{
		"glyph": *glyphText, "tenant": *tenant, "prio": *prio,
	})
	if err != nil {
		die("run request failed: %v", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		fmt.Fprintln(os.Stderr, "run rejected: quota exceeded")
		resp.Body.Close()
		os.Exit(2)
	}

	var out struct {
		RunID  string `json:"run_id"`
		State  string `json:"state"`
		Tenant string `json:"tenant"`
	}
	decodeOrDie(resp, &out)
	if resp.StatusCode != http.StatusOK {
		die("run rejected (status %d)", resp.StatusCode)
	}
	fmt.Println(out.RunID)
}

func cmdGet(args []string) {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	g := &globalFlags{}
	g.register(fs)
	runID := fs.String("run", "", "run id (required)")
	fs.Parse(args)

	if *runID == "" {
		die("-run is required")
	}
	printRun(g, *runID)
}

// printRun fetches and prints the run, returning its current state as the
// server reports it, whether or not that state is terminal.
func printRun(g *globalFlags, runID string) string {
	resp, err := g.do(http.MethodGet, "/runs/"+runID, nil)
	if err != nil {
		die("get run failed: %v", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		die("run %s not found", runID)
	}

	var out struct {
		RunID    string `json:"run_id"`
		State    string `json:"state"`
		Head     string `json:"head"`
		Receipts []struct {
			Task string `json:"task"`
			OK   bool   `json:"ok"`
		} `json:"receipts"`
	}
	decodeOrDie(resp, &out)

	fmt.Printf("run_id=%s state=%s head=%s\n", out.RunID, out.State, out.Head)
	for _, r := range out.Receipts {
		fmt.Printf("  %-20s ok=%v\n", r.Task, r.OK)
	}
	return out.State
}

func cmdWait(args []string) {
	fs := flag.NewFlagSet("wait", flag.ExitOnError)
	g := &globalFlags{}
	g.register(fs)
	runID := fs.String("run", "", "run id (required)")
	timeout := fs.Duration("timeout", 30*time.Second, "how long to poll before giving up")
	fs.Parse(args)

	if *runID == "" {
		die("-run is required")
	}

	deadline := time.Now().Add(*timeout)
	for {
		state := printRun(g, *runID)
		switch state {
		case "succeeded":
			os.Exit(0)
		case "failed":
			os.Exit(2)
		case "canceled":
			os.Exit(3)
		}
		if time.Now().After(deadline) {
			die("timed out waiting for run %s to reach a terminal state", *runID)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func cmdCancel(args []string) {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	g := &globalFlags{}
	g.register(fs)
	runID := fs.String("run", "", "run id (required)")
	fs.Parse(args)

	if *runID == "" {
		die("-run is required")
	}

	resp, err := g.do(http.MethodPost, "/runs/"+*runID+"/cancel", nil)
	if err != nil {
		die("cancel request failed: %v", err)
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		resp.Body.Close()
		die("run %s not found", *runID)
	case http.StatusConflict:
		resp.Body.Close()
		fmt.Fprintf(os.Stderr, "run %s is not cancelable\n", *runID)
		os.Exit(2)
	}

	var out map[string]any
	decodeOrDie(resp, &out)
	b, _ := json.Marshal(out)
	fmt.Println(string(b))
}

func cmdTail(args []string) {
	fs := flag.NewFlagSet("tail", flag.ExitOnError)
	g := &globalFlags{}
	g.register(fs)
	n := fs.Int("n", 20, "number of events")
	fs.Parse(args)

	resp, err := g.do(http.MethodGet, fmt.Sprintf("/events/tail?n=%d", *n), nil)
	if err != nil {
		die("tail request failed: %v", err)
	}
	var out []map[string]any
	decodeOrDie(resp, &out)
	for _, ev := range out {
		b, _ := json.Marshal(ev)
		fmt.Println(string(b))
	}
}

func cmdStream(args []string) {
	fs := flag.NewFlagSet("stream", flag.ExitOnError)
	g := &globalFlags{}
	g.register(fs)
	fs.Parse(args)

	resp, err := g.do(http.MethodGet, "/events/stream", nil)
	if err != nil {
		die("stream request failed: %v", err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if payload, ok := strings.CutPrefix(line, "data: "); ok {
			fmt.Println(payload)
		}
	}
}

func cmdProof(args []string) {
	fs := flag.NewFlagSet("proof", flag.ExitOnError)
	g := &globalFlags{}
	g.register(fs)
	index := fs.Int("index", -1, "audit log line index (required)")
	fs.Parse(args)

	if *index < 0 {
		die("-index is required and must be >= 0")
	}

	resp, err := g.do(http.MethodGet, fmt.Sprintf("/audit/proof?index=%d", *index), nil)
	if err != nil {
		die("proof request failed: %v", err)
	}
	if resp.StatusCode == http.StatusBadRequest {
		resp.Body.Close()
		die("index %d is out of range", *index)
	}
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	fmt.Println(string(b))
}

func cmdVerify(args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	g := &globalFlags{}
	g.register(fs)
	root := fs.String("root", "", "merkle root (required)")
	index := fs.Int("index", -1, "line index (required)")
	line := fs.String("line", "", "audit line JSON payload (required)")
	path := fs.String("path", "[]", "proof path JSON array")
	fs.Parse(args)

	if *root == "" || *index < 0 || *line == "" {
		die("-root, -index, and -line are required")
	}

	var pathVal any
	if err := json.Unmarshal([]byte(*path), &pathVal); err != nil {
		die("invalid -path JSON: %v", err)
	}

	resp, err := g.do(http.MethodPost, "/audit/verify", map[string]any{
		"root": *root, "index": *index, "line": *line, "path": pathVal,
	})
	if err != nil {
		die("verify request failed: %v", err)
	}

	var out struct {
		OK bool `json:"ok"`
	}
	decodeOrDie(resp, &out)
	if !out.OK {
		fmt.Println("invalid")
		os.Exit(2)
	}
	fmt.Println("valid")
}
