package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/tturner/plcsim/internal/cip/protocol"
	"github.com/tturner/plcsim/internal/cip/spec"
	"github.com/tturner/plcsim/internal/metrics"
	"github.com/tturner/plcsim/internal/tagtable"
)

// SourcePrefix labels tag changes written by EtherNet/IP clients.
const SourcePrefix = "enip:"

// serveCIP decodes one CIP request, serves it against the tag table and
// returns the encoded reply. Only a malformed request returns an error.
func (c *connection) serveCIP(data []byte) ([]byte, error) {
	start := time.Now()

	req, err := protocol.DecodeRequest(data)
	var resp protocol.Response
	var opErr error
	var pathErr *protocol.PathSegmentError
	switch {
	case err == nil:
		resp, opErr = c.server.serveRequest(req, SourcePrefix+c.remote)
	case errors.As(err, &pathErr):
		resp = protocol.Response{Service: req.Service, Status: spec.StatusPathSegmentError}
		opErr = err
	case isFatal(err):
		return nil, err
	default:
		return nil, &protocol.MalformedRequestError{Reason: err.Error()}
	}

	out, err := protocol.EncodeResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("encode CIP response: %w", err)
	}

	elapsed := time.Since(start)
	c.logger.LogRequest(spec.ServiceName(req.Service), req.Tag, resp.Status, elapsed, opErr)
	c.server.metrics.Record(metrics.Metric{
		Timestamp: start,
		Operation: operationFor(req.Service),
		Tag:       req.Tag,
		Service:   spec.ServiceName(req.Service),
		Success:   resp.Status == spec.StatusSuccess,
		Status:    resp.Status,
		LatencyMs: float64(elapsed.Microseconds()) / 1000.0,
		Error:     errString(opErr),
	})
	return out, nil
}

// serveRequest applies a decoded request to the tag table. Failures are
// reported in the response status; the returned error is informational.
func (s *Server) serveRequest(req protocol.Request, source string) (protocol.Response, error) {
	resp := protocol.Response{Service: req.Service}

	switch {
	case req.Service.IsRead():
		if req.ElementCount != 1 {
			resp.Status = spec.StatusInvalidParameter
			return resp, fmt.Errorf("read of %q: element count %d not supported", req.Tag, req.ElementCount)
		}
		_, value, err := s.tags.Read(req.Tag)
		if err != nil {
			resp.Status, resp.ExtStatus = statusForError(err)
			return resp, err
		}
		resp.Value = value
		resp.HasValue = true

	case req.Service.IsWrite():
		if req.ElementCount != 1 {
			resp.Status = spec.StatusInvalidParameter
			return resp, fmt.Errorf("write of %q: element count %d not supported", req.Tag, req.ElementCount)
		}
		if err := s.tags.WriteFrom(source, req.Tag, req.Type, req.Value); err != nil {
			resp.Status, resp.ExtStatus = statusForError(err)
			return resp, err
		}

	default:
		resp.Status = spec.StatusServiceNotSupported
		return resp, fmt.Errorf("service %s not supported", spec.ServiceName(req.Service))
	}
	return resp, nil
}

// statusForError maps tag table errors to CIP general and extended status.
func statusForError(err error) (uint8, []uint16) {
	var unknown *tagtable.UnknownTagError
	var mismatch *tagtable.TypeMismatchError
	var outOfRange *tagtable.ValueRangeError
	var pathErr *protocol.PathSegmentError
	switch {
	case errors.As(err, &unknown):
		return spec.StatusPathDestinationUnknown, nil
	case errors.As(err, &mismatch):
		return spec.StatusGeneralError, []uint16{spec.ExtStatusTypeMismatch}
	case errors.As(err, &outOfRange):
		return spec.StatusInvalidAttributeValue, nil
	case errors.As(err, &pathErr):
		return spec.StatusPathSegmentError, nil
	default:
		return spec.StatusGeneralError, nil
	}
}

func operationFor(service spec.ServiceCode) metrics.OperationType {
	switch {
	case service.IsRead():
		return metrics.OperationRead
	case service.IsWrite():
		return metrics.OperationWrite
	default:
		return metrics.OperationUnsupported
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
