//go:build ignore

// sigkill_chaos is a standalone chaos drill that verifies the relay's
// crash recovery guarantees. It builds the roomrelay binary, starts it,
// drives a conversation over HTTP, SIGKILLs the process mid-life,
// restarts it, and verifies that:
//   - tasks/get returns a byte-identical snapshot after the restart
//   - record seqs keep climbing; nothing is reused or lost
//
// Usage:
//
//	go run ./tools/verify/sigkill_chaos/
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

const pairID = "chaos-room"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS (sigkill_chaos)")
}

func run() error {
	// 1. Build the roomrelay binary.
	root := moduleRoot()
	binDir, err := os.MkdirTemp("", "sigkill-chaos-bin-*")
	if err != nil {
		return fmt.Errorf("mktemp bin: %w", err)
	}
	defer os.RemoveAll(binDir)
	binPath := filepath.Join(binDir, "roomrelay")

	fmt.Println("BUILD roomrelay binary...")
	build := exec.Command("go", "build", "-o", binPath, "./cmd/roomrelay")
	build.Dir = root
	build.Stdout = os.Stdout
	build.Stderr = os.Stderr
	if err := build.Run(); err != nil {
		return fmt.Errorf("build binary: %w", err)
	}

	// 2. Create a temp relay home with minimal config.
	home, err := os.MkdirTemp("", "sigkill-chaos-home-*")
	if err != nil {
		return fmt.Errorf("mktemp home: %w", err)
	}
	defer os.RemoveAll(home)

	addr := pickFreeAddr()
	configYAML := fmt.Sprintf("bind_addr: %q\nlog_level: debug\n", addr)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(configYAML), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	relayEnv := append(os.Environ(), "ROOMRELAY_HOME="+home)

	// 3. Start the relay.
	fmt.Println("START relay (first run)...")
	relay := exec.Command(binPath)
	relay.Env = relayEnv
	relay.Stdout = os.Stdout
	relay.Stderr = os.Stderr
	if err := relay.Start(); err != nil {
		return fmt.Errorf("start relay: %w", err)
	}

	fmt.Println("WAIT for /healthz...")
	if err := waitHealthy(addr, 10*time.Second); err != nil {
		_ = relay.Process.Kill()
		_ = relay.Wait()
		return fmt.Errorf("relay not healthy: %w", err)
	}
	fmt.Println("HEALTHY")

	// 4. Open an epoch and capture the pre-kill snapshot.
	if _, err := rpc(addr, "message/send", map[string]any{
		"message": map[string]any{
			"messageId": "chaos-m1",
			"parts":     []map[string]any{{"kind": "text", "text": "before the crash"}},
		},
	}); err != nil {
		_ = relay.Process.Kill()
		_ = relay.Wait()
		return fmt.Errorf("open epoch: %w", err)
	}
	before, err := rpc(addr, "tasks/get", map[string]any{"id": "init:" + pairID + "#1"})
	if err != nil {
		_ = relay.Process.Kill()
		_ = relay.Wait()
		return fmt.Errorf("snapshot before kill: %w", err)
	}
	fmt.Printf("SNAPSHOT before kill: %s\n", before)

	seqBefore, err := maxEventSeq(addr)
	if err != nil {
		_ = relay.Process.Kill()
		_ = relay.Wait()
		return fmt.Errorf("read event seqs: %w", err)
	}
	fmt.Printf("MAX seq before kill: %d\n", seqBefore)

	// 5. SIGKILL the relay.
	fmt.Println("SIGKILL relay...")
	if err := relay.Process.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("sigkill: %w", err)
	}
	_ = relay.Wait()
	fmt.Println("RELAY killed")

	time.Sleep(500 * time.Millisecond)

	// 6. Restart and re-verify.
	fmt.Println("RESTART relay (second run)...")
	relay2 := exec.Command(binPath)
	relay2.Env = relayEnv
	relay2.Stdout = os.Stdout
	relay2.Stderr = os.Stderr
	if err := relay2.Start(); err != nil {
		return fmt.Errorf("restart relay: %w", err)
	}
	defer func() {
		_ = relay2.Process.Signal(os.Interrupt)
		done := make(chan struct{})
		go func() { _ = relay2.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			_ = relay2.Process.Kill()
			_ = relay2.Wait()
		}
	}()

	if err := waitHealthy(addr, 10*time.Second); err != nil {
		return fmt.Errorf("restarted relay not healthy: %w", err)
	}
	fmt.Println("HEALTHY (after restart)")

	after, err := rpc(addr, "tasks/get", map[string]any{"id": "init:" + pairID + "#1"})
	if err != nil {
		return fmt.Errorf("snapshot after restart: %w", err)
	}
	if !bytes.Equal(before, after) {
		return fmt.Errorf("snapshot drifted across restart:\n before=%s\n after=%s", before, after)
	}
	fmt.Println("SNAPSHOT identical across restart")

	// A fresh mutation must land strictly above every pre-kill seq.
	if _, err := rpc(addr, "message/send", map[string]any{
		"message": map[string]any{
			"messageId": "chaos-m2",
			"taskId":    "init:" + pairID + "#1",
			"parts":     []map[string]any{{"kind": "text", "text": "after the crash"}},
			"metadata":  map[string]any{"nextState": "working"},
		},
	}); err != nil {
		return fmt.Errorf("post-restart send: %w", err)
	}
	seqAfter, err := maxEventSeq(addr)
	if err != nil {
		return fmt.Errorf("read post-restart seqs: %w", err)
	}
	fmt.Printf("MAX seq after restart: %d\n", seqAfter)
	if seqAfter <= seqBefore {
		return fmt.Errorf("seq regressed or stalled: before=%d after=%d", seqBefore, seqAfter)
	}

	fmt.Println("ALL CHECKS PASSED")
	return nil
}

func rpc(addr, method string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": method, "params": params,
	})
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("http://%s/api/rooms/%s/a2a", addr, pairID)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if out.Error != nil {
		return nil, fmt.Errorf("rpc %s: %d %s", method, out.Error.Code, out.Error.Message)
	}
	return out.Result, nil
}

// maxEventSeq replays the backlog on events.log and returns the highest seq.
func maxEventSeq(addr string) (int64, error) {
	url := fmt.Sprintf("http://%s/api/rooms/%s/events.log?backlogOnly=1", addr, pairID)
	resp, err := http.Get(url)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return 0, err
	}
	var max int64
	for _, line := range strings.Split(buf.String(), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var rec struct {
			Seq int64 `json:"seq"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &rec); err != nil {
			return 0, err
		}
		if rec.Seq > max {
			max = rec.Seq
		}
	}
	return max, nil
}

func moduleRoot() string {
	out, err := exec.Command("go", "env", "GOMOD").Output()
	if err != nil {
		fmt.Fprintf(os.Stderr, "go env GOMOD: %v\n", err)
		os.Exit(1)
	}
	gomod := strings.TrimSpace(string(out))
	if gomod == "" || gomod == os.DevNull {
		fmt.Fprintln(os.Stderr, "go env GOMOD returned empty; expected path to go.mod")
		os.Exit(1)
	}
	return filepath.Dir(gomod)
}

func pickFreeAddr() string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		fmt.Fprintf(os.Stderr, "pick free addr: %v\n", err)
		os.Exit(1)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func waitHealthy(addr string, timeout time.Duration) error {
	url := fmt.Sprintf("http://%s/healthz", addr)
	deadline := time.Now().Add(timeout)
	client := &http.Client{Timeout: 2 * time.Second}
	for time.Now().Before(deadline) {
		resp, err := client.Get(url)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("healthz at %s not OK after %v", addr, timeout)
}
