package core

import (
	"errors"
	"time"

	"github.com/tturner/plcsim/internal/cip/codec"
	"github.com/tturner/plcsim/internal/enip"
	"github.com/tturner/plcsim/internal/metrics"
)

// dispatch serves one encapsulation frame. A nil reply with a nil error
// means no reply is sent. A non-nil error closes the connection.
func (c *connection) dispatch(encap enip.ENIPEncapsulation) ([]byte, error) {
	switch encap.Command {
	case enip.ENIPCommandNOP:
		return nil, nil

	case enip.ENIPCommandRegisterSession:
		return c.handleRegisterSession(encap), nil

	case enip.ENIPCommandUnregisterSession:
		return c.handleUnregisterSession(encap), nil

	case enip.ENIPCommandSendRRData:
		return c.handleSendRRData(encap)

	default:
		if enip.IsKnownCommand(encap.Command) {
			c.logger.Verbose("Unsupported ENIP command %s from %s", enip.CommandName(encap.Command), c.remote)
		} else {
			c.logger.Error("Unknown ENIP command 0x%04X from %s", encap.Command, c.remote)
		}
		return buildErrorResponse(encap, enip.ENIPStatusInvalidCommand), nil
	}
}

func (c *connection) handleRegisterSession(encap enip.ENIPEncapsulation) []byte {
	start := time.Now()
	status := c.registerSession(encap)
	c.server.metrics.Record(metrics.Metric{
		Timestamp: start,
		Operation: metrics.OperationRegister,
		Service:   enip.CommandName(encap.Command),
		Success:   status == enip.ENIPStatusSuccess,
		LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0,
	})
	if status != enip.ENIPStatusSuccess {
		return buildErrorResponse(encap, status)
	}

	return enip.EncodeENIP(enip.ENIPEncapsulation{
		Command:       enip.ENIPCommandRegisterSession,
		SessionID:     c.session.ID,
		Status:        enip.ENIPStatusSuccess,
		SenderContext: encap.SenderContext,
		Data:          encap.Data,
	})
}

func (c *connection) registerSession(encap enip.ENIPEncapsulation) uint32 {
	if len(encap.Data) != 4 {
		c.logger.Error("RegisterSession from %s: payload length %d, want 4", c.remote, len(encap.Data))
		return enip.ENIPStatusInvalidLength
	}
	version := codec.Uint16(encap.Data[0:2])
	options := codec.Uint16(encap.Data[2:4])
	if version != enip.ProtocolVersion || options != 0 {
		c.logger.Error("RegisterSession from %s: unsupported version %d options 0x%04X", c.remote, version, options)
		return enip.ENIPStatusUnsupportedProtocol
	}
	if c.state != stateUnregistered {
		c.logger.Error("RegisterSession from %s: connection already %s", c.remote, c.state)
		return enip.ENIPStatusIncorrectData
	}

	session, err := c.server.sessions.Register(c.remote)
	if err != nil {
		var limitErr *SessionLimitError
		if errors.As(err, &limitErr) {
			c.logger.Error("RegisterSession rejected from %s: %v", c.remote, err)
			return enip.ENIPStatusInsufficientMemory
		}
		c.logger.Error("RegisterSession from %s: %v", c.remote, err)
		return enip.ENIPStatusIncorrectData
	}

	c.session = session
	c.state = stateRegistered
	c.logger = c.logger.With("session", session.ID)
	c.logger.Info("Registered session 0x%08X for %s", session.ID, c.remote)
	return enip.ENIPStatusSuccess
}

func (c *connection) handleUnregisterSession(encap enip.ENIPEncapsulation) []byte {
	if _, err := c.requireSession(encap.SessionID); err != nil {
		c.logger.Error("UnregisterSession from %s: %v", c.remote, err)
		return buildErrorResponse(encap, enip.ENIPStatusInvalidSessionHandle)
	}

	handle := c.session.ID
	c.closeSession()
	c.server.metrics.Record(metrics.Metric{
		Timestamp: time.Now(),
		Operation: metrics.OperationUnregister,
		Service:   enip.CommandName(encap.Command),
		Success:   true,
	})

	return enip.EncodeENIP(enip.ENIPEncapsulation{
		Command:       enip.ENIPCommandUnregisterSession,
		SessionID:     handle,
		Status:        enip.ENIPStatusSuccess,
		SenderContext: encap.SenderContext,
	})
}

func (c *connection) handleSendRRData(encap enip.ENIPEncapsulation) ([]byte, error) {
	if _, err := c.requireSession(encap.SessionID); err != nil {
		c.logger.Verbose("SendRRData from %s: %v", c.remote, err)
		return buildErrorResponse(encap, enip.ENIPStatusInvalidSessionHandle), nil
	}

	cipData, err := enip.ParseSendRRDataRequest(encap.Data)
	if err != nil {
		c.logger.Error("Parse SendRRData from %s: %v", c.remote, err)
		return buildErrorResponse(encap, enip.ENIPStatusIncorrectData), nil
	}
	if c.server.includeHex {
		c.logger.LogHex("CIP Request", cipData)
	}

	cipResp, err := c.serveCIP(cipData)
	if err != nil {
		return nil, err
	}
	if c.server.includeHex {
		c.logger.LogHex("CIP Response", cipResp)
	}
	return buildCIPResponse(encap, cipResp), nil
}

func buildCIPResponse(encap enip.ENIPEncapsulation, cipRespData []byte) []byte {
	return enip.BuildSendRRData(encap.SessionID, encap.SenderContext, cipRespData)
}

func buildErrorResponse(encap enip.ENIPEncapsulation, status uint32) []byte {
	return enip.EncodeENIP(enip.ENIPEncapsulation{
		Command:       encap.Command,
		SessionID:     encap.SessionID,
		Status:        status,
		SenderContext: encap.SenderContext,
	})
}
