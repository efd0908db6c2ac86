package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tturner/plcsim/internal/capture"
	"github.com/tturner/plcsim/internal/config"
	plcerrors "github.com/tturner/plcsim/internal/errors"
	"github.com/tturner/plcsim/internal/logging"
)

func createTestLogger() *logging.Logger {
	logger, _ := logging.NewLogger(logging.LogLevelError, "")
	return logger
}

func TestResolveServerConfigDefaults(t *testing.T) {
	cfg, err := ResolveServerConfig(ServerOptions{})
	if err != nil {
		t.Fatalf("ResolveServerConfig failed: %v", err)
	}
	if cfg.Server.TCPPort != config.DefaultTCPPort {
		t.Errorf("port = %d, want %d", cfg.Server.TCPPort, config.DefaultTCPPort)
	}
	if len(cfg.Tags) != 2 {
		t.Errorf("expected the two default tags, got %d", len(cfg.Tags))
	}
	if !cfg.SimulatorEnabled() {
		t.Error("simulator should be enabled by default")
	}
	if cfg.API.Enabled {
		t.Error("API should be disabled by default")
	}
}

func TestResolveServerConfigOverrides(t *testing.T) {
	cfg, err := ResolveServerConfig(ServerOptions{
		ListenIP:    "127.0.0.1",
		ListenPort:  0,
		PortSet:     true,
		Tags:        []string{"Program:MainProgram.PartCount=DINT:42", "Line.Speed=DINT:7"},
		SimInterval: 250 * time.Millisecond,
		NoSim:       true,
		APIListen:   "127.0.0.1:9090",
		PCAPFile:    "out.pcap",
		LogLevel:    "debug",
		LogFormat:   "json",
		LogEvery:    10,
	})
	if err != nil {
		t.Fatalf("ResolveServerConfig failed: %v", err)
	}

	if cfg.Server.ListenIP != "127.0.0.1" || cfg.Server.TCPPort != 0 {
		t.Errorf("listen = %s, want 127.0.0.1:0", cfg.ListenAddr())
	}
	if len(cfg.Tags) != 3 {
		t.Fatalf("expected 3 tags after merge, got %d", len(cfg.Tags))
	}
	if cfg.Tags[1].Value != "42" {
		t.Errorf("PartCount override value = %v", cfg.Tags[1].Value)
	}
	if cfg.Simulator.IntervalMs != 250 {
		t.Errorf("interval = %d, want 250", cfg.Simulator.IntervalMs)
	}
	if cfg.SimulatorEnabled() {
		t.Error("--no-sim should disable the simulator")
	}
	if !cfg.API.Enabled || cfg.API.Listen != "127.0.0.1:9090" {
		t.Errorf("api = %+v", cfg.API)
	}
	if cfg.Capture.PCAPFile != "out.pcap" {
		t.Errorf("pcap = %q", cfg.Capture.PCAPFile)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" || cfg.Logging.LogEveryN != 10 {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestResolveServerConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		opts ServerOptions
	}{
		{"bad tag flag", ServerOptions{Tags: []string{"NoType"}}},
		{"bad tag type", ServerOptions{Tags: []string{"X=REAL:1"}}},
		{"bad listen ip", ServerOptions{ListenIP: "not-an-ip"}},
		{"bad log level", ServerOptions{LogLevel: "trace"}},
		{"missing file", ServerOptions{ConfigPath: filepath.Join(t.TempDir(), "missing.yaml")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ResolveServerConfig(tt.opts); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestResolveServerConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plcsim.yaml")
	data := `server:
  name: Line1
  listen_ip: 127.0.0.1
  tcp_port: 2222
tags:
  - name: Program:MainProgram.MotorRunning
    type: BOOL
    value: false
  - name: Program:MainProgram.PartCount
    type: DINT
    value: 100
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := ResolveServerConfig(ServerOptions{ConfigPath: path, ListenPort: 3333, PortSet: true})
	if err != nil {
		t.Fatalf("ResolveServerConfig failed: %v", err)
	}
	if cfg.Server.Name != "Line1" {
		t.Errorf("name = %q", cfg.Server.Name)
	}
	if cfg.Server.TCPPort != 3333 {
		t.Errorf("flag should override file port, got %d", cfg.Server.TCPPort)
	}
}

func TestBuildTagTable(t *testing.T) {
	cfg := config.CreateDefaultServerConfig()
	table, err := BuildTagTable(cfg)
	if err != nil {
		t.Fatalf("BuildTagTable failed: %v", err)
	}
	_, motor, err := table.Read(config.DefaultMotorTag)
	if err != nil || !motor.Bool() {
		t.Errorf("motor = %v, %v; want true", motor, err)
	}

	cfg.Tags = append(cfg.Tags, cfg.Tags[0])
	if _, err := BuildTagTable(cfg); err == nil {
		t.Error("expected duplicate tag error")
	}
}

func startTestRuntime(t *testing.T, opts ServerOptions) *Runtime {
	t.Helper()
	opts.ListenIP = "127.0.0.1"
	opts.PortSet = true
	cfg, err := ResolveServerConfig(opts)
	if err != nil {
		t.Fatalf("ResolveServerConfig failed: %v", err)
	}
	rt, err := StartRuntime(context.Background(), cfg, createTestLogger())
	if err != nil {
		t.Fatalf("StartRuntime failed: %v", err)
	}
	t.Cleanup(func() { rt.Stop() })
	return rt
}

func clientOptions(rt *Runtime) ClientOptions {
	addr := rt.ENIPAddr()
	return ClientOptions{IP: addr.IP.String(), Port: addr.Port, Timeout: 2 * time.Second}
}

func TestRuntimeReadWrite(t *testing.T) {
	rt := startTestRuntime(t, ServerOptions{NoSim: true})
	if rt.Simulator != nil {
		t.Fatal("simulator should not run with NoSim")
	}
	ctx := context.Background()
	opts := clientOptions(rt)

	var out bytes.Buffer
	if err := RunWrite(ctx, opts, config.DefaultCounterTag, "42", "", &out); err != nil {
		t.Fatalf("RunWrite failed: %v", err)
	}
	if !strings.Contains(out.String(), "42 (DINT)") {
		t.Errorf("write output = %q", out.String())
	}

	out.Reset()
	opts.Logix = true
	if err := RunRead(ctx, opts, []string{config.DefaultCounterTag, config.DefaultMotorTag}, &out); err != nil {
		t.Fatalf("RunRead failed: %v", err)
	}
	for _, want := range []string{config.DefaultCounterTag + " = 42 (DINT)", config.DefaultMotorTag + " = true (BOOL)"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("read output missing %q: %s", want, out.String())
		}
	}

	out.Reset()
	err := RunRead(ctx, opts, []string{"Missing", config.DefaultCounterTag}, &out)
	if err == nil || !strings.Contains(err.Error(), "1 of 2") {
		t.Errorf("expected one failed read, got %v", err)
	}
	if !strings.Contains(out.String(), config.DefaultCounterTag+" = 42") {
		t.Errorf("read after a failed tag should continue: %s", out.String())
	}

	if err := RunWrite(ctx, opts, config.DefaultMotorTag, "1", "DINT", &out); err == nil {
		t.Error("expected type mismatch writing DINT to BOOL tag")
	}
	if err := RunWrite(ctx, opts, config.DefaultMotorTag, "maybe", "", &out); err == nil {
		t.Error("expected parse error")
	}

	err = RunWrite(ctx, opts, config.DefaultCounterTag, "4294967296", "", &out)
	var friendly plcerrors.UserFriendlyError
	if err == nil || !strings.Contains(err.Error(), "out of range") || errors.As(err, &friendly) {
		t.Errorf("expected a plain range error, got %v", err)
	}
	out.Reset()
	if err := RunRead(ctx, opts, []string{config.DefaultCounterTag}, &out); err != nil {
		t.Fatalf("RunRead after rejected write failed: %v", err)
	}
	if !strings.Contains(out.String(), config.DefaultCounterTag+" = 42") {
		t.Errorf("rejected write changed the tag: %s", out.String())
	}
}

func TestResolveServerConfigExplicitZeroPort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plcsim.yaml")
	data := `server:
  tcp_port: 2222
tags:
  - name: Program:MainProgram.MotorRunning
    type: BOOL
  - name: Program:MainProgram.PartCount
    type: DINT
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := ResolveServerConfig(ServerOptions{ConfigPath: path, ListenIP: "127.0.0.1", PortSet: true})
	if err != nil {
		t.Fatalf("ResolveServerConfig failed: %v", err)
	}
	if cfg.Server.TCPPort != 0 {
		t.Fatalf("--listen-port 0 was replaced with %d", cfg.Server.TCPPort)
	}

	rt, err := StartRuntime(context.Background(), cfg, createTestLogger())
	if err != nil {
		t.Fatalf("StartRuntime failed: %v", err)
	}
	defer rt.Stop()
	if port := rt.ENIPAddr().Port; port == 0 || port == config.DefaultTCPPort || port == 2222 {
		t.Fatalf("expected an ephemeral port, got %d", port)
	}
}

func TestRuntimeSimulatorAPIAndCapture(t *testing.T) {
	pcapPath := filepath.Join(t.TempDir(), "served.pcap")
	rt := startTestRuntime(t, ServerOptions{
		SimInterval: 10 * time.Millisecond,
		APIListen:   "127.0.0.1:0",
		PCAPFile:    pcapPath,
	})
	if rt.Simulator == nil || rt.API == nil || rt.Recorder == nil {
		t.Fatal("simulator, API and recorder should all be running")
	}
	if rt.Publisher != nil {
		t.Error("no publisher is configured")
	}

	deadline := time.Now().Add(2 * time.Second)
	for rt.Simulator.Ticks() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if rt.Simulator.Ticks() < 3 {
		t.Fatalf("simulator ticked %d times", rt.Simulator.Ticks())
	}

	var out bytes.Buffer
	if err := RunRead(context.Background(), clientOptions(rt), []string{config.DefaultCounterTag}, &out); err != nil {
		t.Fatalf("RunRead failed: %v", err)
	}

	resp, err := http.Get("http://" + rt.API.Addr().String() + "/api/tags/" + config.DefaultCounterTag)
	if err != nil {
		t.Fatalf("GET tag failed: %v", err)
	}
	var tag struct {
		Name  string  `json:"name"`
		Value float64 `json:"value"`
	}
	err = json.NewDecoder(resp.Body).Decode(&tag)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode tag: %v", err)
	}
	if tag.Name != config.DefaultCounterTag || tag.Value < 3 {
		t.Errorf("tag = %+v", tag)
	}

	if err := rt.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := rt.Stop(); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}

	frames, err := capture.ExtractFrames(pcapPath, uint16(rt.ENIPAddr().Port))
	if err != nil {
		t.Fatalf("ExtractFrames failed: %v", err)
	}
	// Register and read, each with its reply.
	if len(frames) < 4 {
		t.Errorf("expected at least 4 recorded frames, got %d", len(frames))
	}
}

func TestStartRuntimeBindConflict(t *testing.T) {
	first := startTestRuntime(t, ServerOptions{NoSim: true})

	cfg, err := ResolveServerConfig(ServerOptions{
		ListenIP:   "127.0.0.1",
		ListenPort: first.ENIPAddr().Port,
		PortSet:    true,
		NoSim:      true,
	})
	if err != nil {
		t.Fatalf("ResolveServerConfig failed: %v", err)
	}
	if _, err := StartRuntime(context.Background(), cfg, createTestLogger()); err == nil {
		t.Fatal("expected bind conflict")
	}
}

func TestClientCommandsRequireTags(t *testing.T) {
	ctx := context.Background()
	if err := RunRead(ctx, ClientOptions{IP: "127.0.0.1", Port: 1}, nil, &bytes.Buffer{}); err == nil {
		t.Error("RunRead without tags should fail")
	}
	if err := RunWatch(ctx, ClientOptions{IP: "127.0.0.1", Port: 1}, nil, time.Second); err == nil {
		t.Error("RunWatch without tags should fail")
	}
}
