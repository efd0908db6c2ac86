package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	cipclient "github.com/tturner/plcsim/internal/cip/client"
	"github.com/tturner/plcsim/internal/cip/codec"
	"github.com/tturner/plcsim/internal/cip/protocol"
	"github.com/tturner/plcsim/internal/cip/spec"
	"github.com/tturner/plcsim/internal/config"
	"github.com/tturner/plcsim/internal/enip"
	plcerrors "github.com/tturner/plcsim/internal/errors"
	"github.com/tturner/plcsim/internal/sim"
)

func startTestServer(t *testing.T, cfg *config.ServerConfig) *Server {
	t.Helper()
	srv := createTestServer(t, cfg)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		if err := srv.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
	})
	return srv
}

func connectClient(t *testing.T, srv *Server) *cipclient.ENIPClient {
	t.Helper()
	c := cipclient.NewClient()
	c.SetTimeout(2 * time.Second)
	if err := c.Connect(context.Background(), "127.0.0.1", srv.TCPAddr().Port); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { c.Disconnect(context.Background()) })
	return c
}

func dialRaw(t *testing.T, srv *Server) *net.TCPConn {
	t.Helper()
	conn, err := net.DialTCP("tcp", nil, srv.TCPAddr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func exchange(t *testing.T, conn *net.TCPConn, frame []byte) enip.ENIPEncapsulation {
	t.Helper()
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := enip.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return reply
}

func registerRaw(t *testing.T, conn *net.TCPConn) uint32 {
	t.Helper()
	reply := exchange(t, conn, enip.BuildRegisterSession([8]byte{1}))
	if reply.Status != enip.ENIPStatusSuccess || reply.SessionID == 0 {
		t.Fatalf("RegisterSession status 0x%04X handle %d", reply.Status, reply.SessionID)
	}
	return reply.SessionID
}

func readRequest(t *testing.T, tag string) []byte {
	t.Helper()
	data, err := protocol.EncodeRequest(protocol.Request{Service: spec.CIPServiceGetAttributeSingle, Tag: tag})
	if err != nil {
		t.Fatalf("EncodeRequest failed: %v", err)
	}
	return data
}

// expectClosed waits for the server to close conn.
func expectClosed(t *testing.T, conn *net.TCPConn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	for {
		_, err := conn.Read(buf)
		if err == nil {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			t.Fatal("connection was not closed by the server")
		}
		return
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestScenarioGetSetTick(t *testing.T) {
	cfg := createTestServerConfig()
	srv := startTestServer(t, cfg)
	simulator, err := sim.New(srv.Tags(), sim.Config{}, createTestLogger())
	if err != nil {
		t.Fatalf("sim.New failed: %v", err)
	}
	c := connectClient(t, srv)
	ctx := context.Background()

	v, err := c.ReadValue(ctx, counterTag)
	if err != nil || v.Int() != 0 {
		t.Fatalf("initial PartCount = %s (%v), want 0", v, err)
	}
	if err := c.WriteValue(ctx, counterTag, codec.DIntValue(42)); err != nil {
		t.Fatalf("WriteValue failed: %v", err)
	}
	if v, err = c.ReadValue(ctx, counterTag); err != nil || v.Int() != 42 {
		t.Fatalf("PartCount after write = %s (%v), want 42", v, err)
	}

	for i := 0; i < 5; i++ {
		if err := simulator.Tick(); err != nil {
			t.Fatalf("Tick failed: %v", err)
		}
	}
	if v, err = c.ReadValue(ctx, counterTag); err != nil || v.Int() != 47 {
		t.Fatalf("PartCount after ticks = %s (%v), want 47", v, err)
	}
	motor, err := c.ReadValue(ctx, motorTag)
	if err != nil || motor.Type() != codec.TypeBOOL || motor.Bool() {
		t.Fatalf("MotorRunning = %s (%v), want false", motor, err)
	}
}

func TestLogixServicesOverNetwork(t *testing.T) {
	srv := startTestServer(t, createTestServerConfig())
	c := connectClient(t, srv)
	c.UseLogixServices(true)
	ctx := context.Background()

	if err := c.WriteValue(ctx, motorTag, codec.BoolValue(false)); err != nil {
		t.Fatalf("WriteValue failed: %v", err)
	}
	v, err := c.ReadValue(ctx, motorTag)
	if err != nil || v.Bool() {
		t.Fatalf("MotorRunning = %s (%v), want false", v, err)
	}
}

func TestErrorStatusKeepsConnectionOpen(t *testing.T) {
	srv := startTestServer(t, createTestServerConfig())
	c := connectClient(t, srv)
	ctx := context.Background()

	_, err := c.ReadValue(ctx, "Program:MainProgram.DoesNotExist")
	var statusErr *cipclient.StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != spec.StatusPathDestinationUnknown {
		t.Fatalf("expected status 0x05, got %v", err)
	}

	err = c.WriteValue(ctx, counterTag, codec.BoolValue(true))
	if !errors.As(err, &statusErr) || statusErr.Status != spec.StatusGeneralError ||
		len(statusErr.ExtStatus) != 1 || statusErr.ExtStatus[0] != spec.ExtStatusTypeMismatch {
		t.Fatalf("expected type mismatch, got %v", err)
	}

	// Two DINT elements in one write.
	payload := codec.AppendUint16(nil, uint16(codec.TypeDINT))
	payload = codec.AppendUint16(payload, 2)
	payload = append(payload, 1, 0, 0, 0, 2, 0, 0, 0)
	resp, err := c.InvokeService(ctx, protocol.Request{
		Service: spec.CIPServiceSetAttributeSingle,
		Tag:     counterTag,
		Payload: payload,
	})
	if err != nil {
		t.Fatalf("InvokeService failed: %v", err)
	}
	if resp.Status != spec.StatusInvalidParameter {
		t.Fatalf("status = 0x%02X, want 0x20", resp.Status)
	}

	if v, err := c.ReadValue(ctx, counterTag); err != nil || v.Int() != 0 {
		t.Fatalf("connection should still serve requests: %s (%v)", v, err)
	}
}

func TestUnsupportedPathAndService(t *testing.T) {
	srv := startTestServer(t, createTestServerConfig())
	c := connectClient(t, srv)
	ctx := context.Background()

	// Class 0x01, instance 0x01: logical addressing is not served.
	resp, err := c.InvokeService(ctx, protocol.Request{
		Service: spec.CIPServiceGetAttributeSingle,
		RawPath: []byte{0x20, 0x01, 0x24, 0x01},
	})
	if err != nil {
		t.Fatalf("InvokeService failed: %v", err)
	}
	if resp.Status != spec.StatusPathSegmentError {
		t.Fatalf("status = 0x%02X, want 0x04", resp.Status)
	}

	resp, err = c.InvokeService(ctx, protocol.Request{
		Service: spec.CIPServiceGetAttributeAll,
		Tag:     counterTag,
		Payload: []byte{},
	})
	if err != nil {
		t.Fatalf("InvokeService failed: %v", err)
	}
	if resp.Status != spec.StatusServiceNotSupported {
		t.Fatalf("status = 0x%02X, want 0x08", resp.Status)
	}
}

func TestStaleHandleAfterUnregister(t *testing.T) {
	srv := startTestServer(t, createTestServerConfig())
	conn := dialRaw(t, srv)
	handle := registerRaw(t, conn)

	reply := exchange(t, conn, enip.BuildSendRRData(handle, [8]byte{}, readRequest(t, counterTag)))
	if reply.Status != enip.ENIPStatusSuccess {
		t.Fatalf("SendRRData status 0x%04X", reply.Status)
	}

	reply = exchange(t, conn, enip.BuildUnregisterSession(handle, [8]byte{}))
	if reply.Status != enip.ENIPStatusSuccess {
		t.Fatalf("UnregisterSession status 0x%04X", reply.Status)
	}
	if srv.Sessions().Len() != 0 {
		t.Fatalf("session not released, %d live", srv.Sessions().Len())
	}

	reply = exchange(t, conn, enip.BuildSendRRData(handle, [8]byte{}, readRequest(t, counterTag)))
	if reply.Status != enip.ENIPStatusInvalidSessionHandle {
		t.Fatalf("stale handle status 0x%04X, want 0x0064", reply.Status)
	}

	// The session lifecycle is terminal on this connection.
	reply = exchange(t, conn, enip.BuildRegisterSession([8]byte{}))
	if reply.Status != enip.ENIPStatusIncorrectData {
		t.Fatalf("re-register status 0x%04X, want 0x0003", reply.Status)
	}
}

func TestSessionHandleIsPerConnection(t *testing.T) {
	srv := startTestServer(t, createTestServerConfig())
	owner := dialRaw(t, srv)
	handle := registerRaw(t, owner)

	other := dialRaw(t, srv)
	reply := exchange(t, other, enip.BuildSendRRData(handle, [8]byte{}, readRequest(t, counterTag)))
	if reply.Status != enip.ENIPStatusInvalidSessionHandle {
		t.Fatalf("foreign handle status 0x%04X, want 0x0064", reply.Status)
	}

	registerRaw(t, other)
	reply = exchange(t, other, enip.BuildSendRRData(handle, [8]byte{}, readRequest(t, counterTag)))
	if reply.Status != enip.ENIPStatusInvalidSessionHandle {
		t.Fatalf("foreign handle after own registration status 0x%04X, want 0x0064", reply.Status)
	}
}

func TestRequestBeforeRegister(t *testing.T) {
	srv := startTestServer(t, createTestServerConfig())
	conn := dialRaw(t, srv)
	reply := exchange(t, conn, enip.BuildSendRRData(0, [8]byte{7}, readRequest(t, counterTag)))
	if reply.Status != enip.ENIPStatusInvalidSessionHandle {
		t.Fatalf("status 0x%04X, want 0x0064", reply.Status)
	}
	if reply.SenderContext != [8]byte{7} {
		t.Fatalf("sender context not echoed: %v", reply.SenderContext)
	}
}

func TestRegisterSessionValidation(t *testing.T) {
	tests := []struct {
		name   string
		data   []byte
		status uint32
	}{
		{"short payload", []byte{0x01, 0x00}, enip.ENIPStatusInvalidLength},
		{"long payload", []byte{0x01, 0x00, 0x00, 0x00, 0x00, 0x00}, enip.ENIPStatusInvalidLength},
		{"version 2", []byte{0x02, 0x00, 0x00, 0x00}, enip.ENIPStatusUnsupportedProtocol},
		{"version 1", []byte{0x01, 0x00, 0x00, 0x00}, enip.ENIPStatusSuccess},
	}

	srv := startTestServer(t, createTestServerConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := dialRaw(t, srv)
			reply := exchange(t, conn, enip.EncodeENIP(enip.ENIPEncapsulation{
				Command: enip.ENIPCommandRegisterSession,
				Data:    tt.data,
			}))
			if reply.Status != tt.status {
				t.Fatalf("status 0x%04X, want 0x%04X", reply.Status, tt.status)
			}
		})
	}
}

func TestDoubleRegister(t *testing.T) {
	srv := startTestServer(t, createTestServerConfig())
	conn := dialRaw(t, srv)
	registerRaw(t, conn)
	reply := exchange(t, conn, enip.BuildRegisterSession([8]byte{}))
	if reply.Status != enip.ENIPStatusIncorrectData {
		t.Fatalf("status 0x%04X, want 0x0003", reply.Status)
	}
	if srv.Sessions().Len() != 1 {
		t.Fatalf("live sessions = %d, want 1", srv.Sessions().Len())
	}
}

func TestMaxSessions(t *testing.T) {
	cfg := createTestServerConfig()
	cfg.ENIP.Session.MaxSessions = 1
	srv := startTestServer(t, cfg)

	registerRaw(t, dialRaw(t, srv))
	reply := exchange(t, dialRaw(t, srv), enip.BuildRegisterSession([8]byte{}))
	if reply.Status != enip.ENIPStatusInsufficientMemory {
		t.Fatalf("status 0x%04X, want 0x0002", reply.Status)
	}
}

func TestUnsupportedCommands(t *testing.T) {
	srv := startTestServer(t, createTestServerConfig())
	conn := dialRaw(t, srv)

	for _, cmd := range []uint16{enip.ENIPCommandListIdentity, enip.ENIPCommandListServices, 0x00AB} {
		reply := exchange(t, conn, enip.EncodeENIP(enip.ENIPEncapsulation{Command: cmd}))
		if reply.Command != cmd || reply.Status != enip.ENIPStatusInvalidCommand {
			t.Fatalf("command 0x%04X: reply 0x%04X status 0x%04X", cmd, reply.Command, reply.Status)
		}
	}
}

func TestNOPHasNoReply(t *testing.T) {
	srv := startTestServer(t, createTestServerConfig())
	conn := dialRaw(t, srv)

	if _, err := conn.Write(enip.EncodeENIP(enip.ENIPEncapsulation{Command: enip.ENIPCommandNOP, Data: []byte{1, 2}})); err != nil {
		t.Fatalf("write: %v", err)
	}
	// The next reply on the stream belongs to the register request.
	reply := exchange(t, conn, enip.BuildRegisterSession([8]byte{}))
	if reply.Command != enip.ENIPCommandRegisterSession {
		t.Fatalf("unexpected reply command 0x%04X", reply.Command)
	}
}

func TestCorruptSendRRDataBodyKeepsConnection(t *testing.T) {
	srv := startTestServer(t, createTestServerConfig())
	conn := dialRaw(t, srv)
	handle := registerRaw(t, conn)

	reply := exchange(t, conn, enip.EncodeENIP(enip.ENIPEncapsulation{
		Command:   enip.ENIPCommandSendRRData,
		SessionID: handle,
		Data:      []byte{0, 0, 0, 0, 0, 0, 0x05, 0x00},
	}))
	if reply.Status != enip.ENIPStatusIncorrectData {
		t.Fatalf("status 0x%04X, want 0x0003", reply.Status)
	}
	reply = exchange(t, conn, enip.BuildSendRRData(handle, [8]byte{}, readRequest(t, counterTag)))
	if reply.Status != enip.ENIPStatusSuccess {
		t.Fatalf("follow-up status 0x%04X", reply.Status)
	}
}

func TestMalformedCIPClosesConnection(t *testing.T) {
	srv := startTestServer(t, createTestServerConfig())
	conn := dialRaw(t, srv)
	handle := registerRaw(t, conn)

	// Path claims 8 words but carries 2 bytes.
	if _, err := conn.Write(enip.BuildSendRRData(handle, [8]byte{}, []byte{0x0E, 0x08, 0x91, 0x00})); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectClosed(t, conn)
	waitFor(t, "session release", func() bool { return srv.Sessions().Len() == 0 })
	waitFor(t, "malformed frame count", func() bool { return srv.Metrics().GetSummary().MalformedFrames == 1 })
}

func TestTruncatedFrameClosesConnection(t *testing.T) {
	srv := startTestServer(t, createTestServerConfig())
	conn := dialRaw(t, srv)
	registerRaw(t, conn)

	frame := enip.BuildSendRRData(1, [8]byte{}, readRequest(t, counterTag))
	if _, err := conn.Write(frame[:len(frame)-3]); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.CloseWrite(); err != nil {
		t.Fatalf("CloseWrite: %v", err)
	}
	expectClosed(t, conn)
	waitFor(t, "malformed frame count", func() bool { return srv.Metrics().GetSummary().MalformedFrames == 1 })
}

func TestIdleTimeoutClosesConnection(t *testing.T) {
	cfg := createTestServerConfig()
	cfg.ENIP.Session.IdleTimeoutMs = 100
	srv := startTestServer(t, cfg)
	conn := dialRaw(t, srv)
	registerRaw(t, conn)

	expectClosed(t, conn)
	waitFor(t, "idle session expiry", func() bool { return srv.Sessions().Len() == 0 })
}

func TestConcurrentClients(t *testing.T) {
	cfg := createTestServerConfig()
	const clients = 8
	const writes = 50
	for i := 0; i < clients; i++ {
		cfg.Tags = append(cfg.Tags, config.TagConfig{Name: fmt.Sprintf("Program:MainProgram.Slot%d", i), Type: "DINT"})
	}
	srv := startTestServer(t, cfg)

	simulator, err := sim.New(srv.Tags(), sim.Config{Interval: time.Millisecond}, createTestLogger())
	if err != nil {
		t.Fatalf("sim.New failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	simDone := make(chan struct{})
	go func() {
		simulator.Run(ctx)
		close(simDone)
	}()
	defer func() {
		cancel()
		<-simDone
	}()

	var wg sync.WaitGroup
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		c := connectClient(t, srv)
		tag := fmt.Sprintf("Program:MainProgram.Slot%d", i)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < writes; j++ {
				want := int64(i*1000 + j)
				if err := c.WriteValue(ctx, tag, codec.DIntValue(want)); err != nil {
					errs <- err
					return
				}
				got, err := c.ReadValue(ctx, tag)
				if err != nil {
					errs <- err
					return
				}
				if got.Int() != want {
					errs <- fmt.Errorf("%s: read %d after writing %d", tag, got.Int(), want)
					return
				}
				if _, err := c.ReadValue(ctx, counterTag); err != nil {
					errs <- err
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	if got := srv.Sessions().Len(); got != clients {
		t.Fatalf("live sessions = %d, want %d", got, clients)
	}
	summary := srv.Metrics().GetSummary()
	if summary.TotalOperations < clients*writes*3 {
		t.Fatalf("recorded %d operations, want at least %d", summary.TotalOperations, clients*writes*3)
	}
}

func TestConcurrentWritersSameTag(t *testing.T) {
	srv := startTestServer(t, createTestServerConfig())
	const clients = 8
	const writes = 125
	ctx := context.Background()

	// Every value any client may write, plus the declared initial value.
	written := map[int64]bool{0: true}
	for i := 0; i < clients; i++ {
		for j := 0; j < writes; j++ {
			written[int64(i*1000+j+1)] = true
		}
	}

	var wg sync.WaitGroup
	var ok sync.Map
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		c := connectClient(t, srv)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < writes; j++ {
				v := int64(i*1000 + j + 1)
				if err := c.WriteValue(ctx, counterTag, codec.DIntValue(v)); err != nil {
					errs <- err
					return
				}
				ok.Store(v, true)
				got, err := c.ReadValue(ctx, counterTag)
				if err != nil {
					errs <- err
					return
				}
				if !written[got.Int()] {
					errs <- fmt.Errorf("read %d, which no client wrote", got.Int())
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	successes := 0
	ok.Range(func(_, _ any) bool {
		successes++
		return true
	})
	if successes != clients*writes {
		t.Fatalf("successful writes = %d, want %d", successes, clients*writes)
	}

	tag, err := srv.Tags().Lookup(counterTag)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if final := tag.Value.Int(); final == 0 || !written[final] {
		t.Fatalf("final value %d was never written", final)
	}
	if tag.Writes != uint64(successes) {
		t.Fatalf("tag recorded %d writes, want %d", tag.Writes, successes)
	}
}

func TestBindConflict(t *testing.T) {
	first := startTestServer(t, createTestServerConfig())

	cfg := createTestServerConfig()
	cfg.Server.TCPPort = first.TCPAddr().Port
	second := createTestServer(t, cfg)
	err := second.Start()
	if err == nil {
		second.Stop()
		t.Fatal("Start on a bound port should fail")
	}
	var friendly plcerrors.UserFriendlyError
	if !errors.As(err, &friendly) {
		t.Fatalf("expected UserFriendlyError, got %T: %v", err, err)
	}
	if friendly.Reason != "Port already in use" {
		t.Fatalf("reason = %q", friendly.Reason)
	}
}

func TestStopClosesLiveConnections(t *testing.T) {
	srv := createTestServer(t, createTestServerConfig())
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	conn := dialRaw(t, srv)
	registerRaw(t, conn)

	done := make(chan struct{})
	go func() {
		srv.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
	}
	expectClosed(t, conn)
	if srv.Sessions().Len() != 0 {
		t.Fatalf("sessions after Stop = %d", srv.Sessions().Len())
	}
}

type recordedFrame struct {
	toServer bool
	command  uint16
}

type memoryRecorder struct {
	mu     sync.Mutex
	frames []recordedFrame
	closed int
}

func (r *memoryRecorder) CloseFlow(client, server net.Addr) error {
	r.mu.Lock()
	r.closed++
	r.mu.Unlock()
	return nil
}

func (r *memoryRecorder) RecordFrame(client, server net.Addr, toServer bool, frame []byte) error {
	encap, err := enip.DecodeENIP(frame)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.frames = append(r.frames, recordedFrame{toServer: toServer, command: encap.Command})
	r.mu.Unlock()
	return nil
}

func TestRecorderSeesBothDirections(t *testing.T) {
	srv := createTestServer(t, createTestServerConfig())
	rec := &memoryRecorder{}
	srv.SetRecorder(rec)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer srv.Stop()

	conn := dialRaw(t, srv)
	registerRaw(t, conn)

	waitFor(t, "reply frame", func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.frames) == 2
	})
	rec.mu.Lock()
	frames := append([]recordedFrame(nil), rec.frames...)
	rec.mu.Unlock()
	if !frames[0].toServer || frames[1].toServer {
		t.Fatalf("unexpected directions: %+v", frames)
	}
	if frames[1].command != enip.ENIPCommandRegisterSession {
		t.Fatalf("unexpected reply command 0x%04X", frames[1].command)
	}

	conn.Close()
	waitFor(t, "flow close", func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.closed == 1
	})
}
