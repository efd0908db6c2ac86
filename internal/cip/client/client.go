package client

// Client for reading and writing symbolic tags over EtherNet/IP

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/tturner/plcsim/internal/cip/codec"
	"github.com/tturner/plcsim/internal/cip/protocol"
	"github.com/tturner/plcsim/internal/cip/spec"
	"github.com/tturner/plcsim/internal/enip"
	"github.com/tturner/plcsim/internal/errors"
)

// DefaultTimeout bounds each request/response exchange.
const DefaultTimeout = 5 * time.Second

// StatusError reports a CIP reply with a non-zero general status.
type StatusError struct {
	Service   spec.ServiceCode
	Tag       string
	Status    uint8
	ExtStatus []uint16
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: status 0x%02X (%s)", spec.ServiceName(e.Service), e.Tag, e.Status, spec.StatusName(e.Status))
	for _, ext := range e.ExtStatus {
		msg += fmt.Sprintf(" ext 0x%04X", ext)
	}
	return msg
}

// EncapsulationError reports a reply whose encapsulation status is not
// success, such as an invalid session handle.
type EncapsulationError struct {
	Command uint16
	Status  uint32
}

func (e *EncapsulationError) Error() string {
	return fmt.Sprintf("%s failed: ENIP status 0x%04X (%s)", enip.CommandName(e.Command), e.Status, enip.StatusName(e.Status))
}

// Client interface for tag access over EtherNet/IP
type Client interface {
	Connect(ctx context.Context, ip string, port int) error
	Disconnect(ctx context.Context) error
	SessionID() uint32

	InvokeService(ctx context.Context, req protocol.Request) (protocol.Response, error)
	ReadTagByName(ctx context.Context, tagName string) (protocol.Response, error)
	WriteTagByName(ctx context.Context, tagName string, value codec.Value) (protocol.Response, error)
	ReadValue(ctx context.Context, tagName string) (codec.Value, error)
	WriteValue(ctx context.Context, tagName string, value codec.Value) error
}

// ENIPClient implements the Client interface. Calls are serialized so one
// client may be shared between goroutines.
type ENIPClient struct {
	mu            sync.Mutex
	transport     Transport
	targetIP      string
	targetPort    int
	sessionID     uint32
	senderContext [8]byte
	connected     bool
	logix         bool
	timeout       time.Duration
}

var _ Client = (*ENIPClient)(nil)

// NewClient creates a client that uses Get/Set_Attribute_Single.
func NewClient() *ENIPClient {
	client := &ENIPClient{
		transport: NewTCPTransport(),
		timeout:   DefaultTimeout,
	}
	rand.Read(client.senderContext[:])
	return client
}

// UseLogixServices switches reads and writes to Read_Tag/Write_Tag.
func (c *ENIPClient) UseLogixServices(enabled bool) {
	c.mu.Lock()
	c.logix = enabled
	c.mu.Unlock()
}

// SetTimeout overrides the per-request timeout.
func (c *ENIPClient) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
}

// SessionID returns the registered session handle, or 0.
func (c *ENIPClient) SessionID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Connect opens the TCP connection and registers a session.
func (c *ENIPClient) Connect(ctx context.Context, ip string, port int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return fmt.Errorf("already connected")
	}
	if ip == "" {
		return fmt.Errorf("IP address cannot be empty")
	}

	c.targetIP = ip
	c.targetPort = port

	addr := net.JoinHostPort(ip, strconv.Itoa(port))
	if err := c.transport.Dial(ctx, addr, c.timeout); err != nil {
		return errors.WrapNetworkError(err, ip, port)
	}

	encap, err := c.roundTrip(ctx, enip.BuildRegisterSession(c.senderContext))
	if err != nil {
		c.transport.Close()
		return errors.WrapNetworkError(err, ip, port)
	}
	if encap.Command != enip.ENIPCommandRegisterSession {
		c.transport.Close()
		return errors.WrapCIPError(fmt.Errorf("unexpected reply command 0x%04X", encap.Command), "RegisterSession")
	}
	if encap.Status != enip.ENIPStatusSuccess {
		c.transport.Close()
		return errors.WrapCIPError(&EncapsulationError{Command: encap.Command, Status: encap.Status}, "RegisterSession")
	}

	c.sessionID = encap.SessionID
	c.connected = true
	return nil
}

// Disconnect unregisters the session and closes the connection.
func (c *ENIPClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}

	if c.sessionID != 0 {
		_ = c.transport.Post(ctx, enip.BuildUnregisterSession(c.sessionID, c.senderContext), c.timeout)
	}

	err := c.transport.Close()
	c.connected = false
	c.sessionID = 0
	return err
}

// RoundTrip sends a raw encapsulation frame and returns the next reply
// frame. It bypasses session bookkeeping.
func (c *ENIPClient) RoundTrip(ctx context.Context, frame []byte) (enip.ENIPEncapsulation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.transport.Open() {
		return enip.ENIPEncapsulation{}, fmt.Errorf("not connected")
	}
	return c.roundTrip(ctx, frame)
}

func (c *ENIPClient) roundTrip(ctx context.Context, frame []byte) (enip.ENIPEncapsulation, error) {
	return c.transport.Exchange(ctx, frame, c.timeout)
}

// InvokeService sends a CIP request via SendRRData and decodes the reply.
// A non-zero CIP status is returned in the response, not as an error.
func (c *ENIPClient) InvokeService(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return protocol.Response{}, fmt.Errorf("not connected")
	}

	cipData, err := protocol.EncodeRequest(req)
	if err != nil {
		return protocol.Response{}, errors.WrapCIPError(err, fmt.Sprintf("encode %s", spec.ServiceName(req.Service)))
	}

	encap, err := c.roundTrip(ctx, enip.BuildSendRRData(c.sessionID, c.senderContext, cipData))
	if err != nil {
		return protocol.Response{}, err
	}
	if encap.Status != enip.ENIPStatusSuccess {
		return protocol.Response{}, &EncapsulationError{Command: encap.Command, Status: encap.Status}
	}

	cipRespData, err := enip.ParseSendRRDataResponse(encap.Data)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("parse SendRRData response: %w", err)
	}

	resp, err := protocol.DecodeResponse(cipRespData)
	if err != nil {
		return protocol.Response{}, errors.WrapCIPError(err, fmt.Sprintf("%s response", spec.ServiceName(req.Service)))
	}
	if resp.Service != req.Service {
		return protocol.Response{}, fmt.Errorf("reply for service 0x%02X, sent 0x%02X", uint8(resp.Service), uint8(req.Service))
	}
	return resp, nil
}

func (c *ENIPClient) services() (read, write spec.ServiceCode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.logix {
		return spec.CIPServiceReadTag, spec.CIPServiceWriteTag
	}
	return spec.CIPServiceGetAttributeSingle, spec.CIPServiceSetAttributeSingle
}

// ReadTagByName reads one element of a symbolic tag.
func (c *ENIPClient) ReadTagByName(ctx context.Context, tagName string) (protocol.Response, error) {
	read, _ := c.services()
	return c.InvokeService(ctx, protocol.Request{Service: read, Tag: tagName, ElementCount: 1})
}

// WriteTagByName writes one element of a symbolic tag.
func (c *ENIPClient) WriteTagByName(ctx context.Context, tagName string, value codec.Value) (protocol.Response, error) {
	_, write := c.services()
	return c.InvokeService(ctx, protocol.Request{
		Service:      write,
		Tag:          tagName,
		ElementCount: 1,
		Type:         value.Type(),
		Value:        value,
	})
}

// ReadValue reads a tag and converts a failure status into *StatusError.
func (c *ENIPClient) ReadValue(ctx context.Context, tagName string) (codec.Value, error) {
	resp, err := c.ReadTagByName(ctx, tagName)
	if err != nil {
		return codec.Value{}, err
	}
	if resp.Status != spec.StatusSuccess {
		return codec.Value{}, &StatusError{Service: resp.Service, Tag: tagName, Status: resp.Status, ExtStatus: resp.ExtStatus}
	}
	if !resp.HasValue {
		return codec.Value{}, fmt.Errorf("%s %s: reply carried no value", spec.ServiceName(resp.Service), tagName)
	}
	return resp.Value, nil
}

// WriteValue writes a tag and converts a failure status into *StatusError.
func (c *ENIPClient) WriteValue(ctx context.Context, tagName string, value codec.Value) error {
	resp, err := c.WriteTagByName(ctx, tagName, value)
	if err != nil {
		return err
	}
	if resp.Status != spec.StatusSuccess {
		return &StatusError{Service: resp.Service, Tag: tagName, Status: resp.Status, ExtStatus: resp.ExtStatus}
	}
	return nil
}
