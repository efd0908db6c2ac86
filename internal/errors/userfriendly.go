package errors

import (
	"fmt"
	"strings"
)

// UserFriendlyError provides user-friendly error messages with context and hints
type UserFriendlyError struct {
	Message string
	Reason  string
	Hint    string
	Try     string
	Err     error
}

func (e UserFriendlyError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Message)
	if e.Reason != "" {
		buf.WriteString("\n  Reason: " + e.Reason)
	}
	if e.Hint != "" {
		buf.WriteString("\n  Hint: " + e.Hint)
	}
	if e.Try != "" {
		buf.WriteString("\n  Try: " + e.Try)
	}
	if e.Err != nil {
		buf.WriteString("\n  Details: " + e.Err.Error())
	}
	return buf.String()
}

func (e UserFriendlyError) Unwrap() error {
	return e.Err
}

// WrapBindError wraps a listener bind failure
func WrapBindError(err error, addr string) error {
	if err == nil {
		return nil
	}

	return UserFriendlyError{
		Message: fmt.Sprintf("Failed to listen on %s", addr),
		Reason:  extractBindReason(err),
		Hint:    "Another PLC simulator or EtherNet/IP stack may already own this port",
		Try:     "plcsim serve --listen-port 0 (any free port) or --listen-ip 127.0.0.1",
		Err:     err,
	}
}

// WrapNetworkError wraps network errors with user-friendly context
func WrapNetworkError(err error, ip string, port int) error {
	if err == nil {
		return nil
	}

	return UserFriendlyError{
		Message: fmt.Sprintf("Failed to communicate with controller at %s:%d", ip, port),
		Reason:  extractNetworkReason(err),
		Hint:    "The target may not be an EtherNet/IP device, or there may be a network connectivity issue",
		Try:     fmt.Sprintf("plcsim read --ip %s --port %d Program:MainProgram.PartCount", ip, port),
		Err:     err,
	}
}

// WrapCIPError wraps CIP protocol errors with user-friendly context
func WrapCIPError(err error, operation string) error {
	if err == nil {
		return nil
	}

	return UserFriendlyError{
		Message: fmt.Sprintf("CIP operation failed: %s", operation),
		Reason:  extractCIPReason(err),
		Hint:    "The tag may not exist, or the value may not match the tag's declared type",
		Try:     "List tags through the status API: curl http://127.0.0.1:8080/api/tags",
		Err:     err,
	}
}

// WrapConfigError wraps configuration errors with user-friendly context
func WrapConfigError(err error, configPath string) error {
	if err == nil {
		return nil
	}

	return UserFriendlyError{
		Message: fmt.Sprintf("Configuration error in %s", configPath),
		Reason:  err.Error(),
		Hint:    "Print a complete example with: plcsim print-default-config",
		Try:     fmt.Sprintf("Validate your config: plcsim validate-config --config %s", configPath),
		Err:     err,
	}
}

func extractBindReason(err error) string {
	errStr := err.Error()

	if strings.Contains(errStr, "address already in use") {
		return "Port already in use"
	}
	if strings.Contains(errStr, "permission denied") {
		return "Permission denied - ports below 1024 may require elevated privileges"
	}
	if strings.Contains(errStr, "cannot assign requested address") {
		return "Listen address is not configured on this host"
	}

	return "Could not bind the listening socket"
}

func extractNetworkReason(err error) string {
	errStr := err.Error()

	// Common network error patterns
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded") {
		return "Connection timeout - device may be offline or unreachable"
	}
	if strings.Contains(errStr, "connection refused") {
		return "Connection refused - device may not be listening on this port"
	}
	if strings.Contains(errStr, "no route to host") {
		return "No route to host - network routing issue or device unreachable"
	}
	if strings.Contains(errStr, "connection reset") || strings.Contains(errStr, "EOF") {
		return "Connection reset - device closed the connection unexpectedly"
	}

	return "Network communication failed"
}

func extractCIPReason(err error) string {
	errStr := err.Error()

	// Common CIP error patterns
	if strings.Contains(errStr, "status 0x") {
		return "Controller returned a CIP error status code"
	}
	if strings.Contains(errStr, "invalid packet") || strings.Contains(errStr, "decode") {
		return "Received invalid or malformed response from controller"
	}
	if strings.Contains(errStr, "timeout") {
		return "Controller did not respond within timeout period"
	}

	return "CIP protocol error occurred"
}
