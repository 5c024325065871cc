// Package proto holds the SSH global-request and channel payloads used for
// remote port forwarding (RFC 4254 section 7). They are encoded with
// ssh.Marshal / ssh.Unmarshal.
package proto

const (
	// TCPIPForward asks the server to listen on a port and forward connections back.
	TCPIPForward = "tcpip-forward"
	// CancelTCPIPForward stops a previously requested forward.
	CancelTCPIPForward = "cancel-tcpip-forward"
	// ForwardedTCPIP is the channel type the server opens per forwarded connection.
	ForwardedTCPIP = "forwarded-tcpip"
)

// TCPIPForwardRequest is the payload of a tcpip-forward / cancel-tcpip-forward request.
type TCPIPForwardRequest struct {
	BindAddr string
	BindPort uint32
}

// TCPIPForwardReply is returned when BindPort 0 was requested and the server chose a port.
type TCPIPForwardReply struct {
	BindPort uint32
}

// ForwardedTCPIPData is the extra data of a forwarded-tcpip channel open.
type ForwardedTCPIPData struct {
	DestAddr   string
	DestPort   uint32
	OriginAddr string
	OriginPort uint32
}
