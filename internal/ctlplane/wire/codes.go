// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package wire defines the record format exchanged with the inspector
// through the shared regions, the event codes and the payload codecs.
package wire

import "fmt"

// Code identifies the meaning of a record.
type Code uint32

// Events delivered to the inspector. TCPSend, TCPReceive, UDPSend,
// UDPReceive, IPSend and IPReceive are also accepted inbound, where they
// carry data to inject.
const (
	TCPConnected Code = iota + 1
	TCPClosed
	TCPReceive
	TCPSend
	TCPCanReceive
	TCPCanSend
	TCPConnectRequest
)

const (
	UDPCreated Code = iota + 16
	UDPClosed
	UDPReceive
	UDPSend
	UDPCanReceive
	UDPCanSend
	UDPConnectRequest
)

const (
	IPReceive Code = iota + 32
	IPSend
)

// Commands accepted from the inspector.
const (
	TCPSetConnState Code = iota + 64
	UDPSetConnState
	TCPDisableFiltering
	UDPDisableFiltering
	TCPSetNoDelay
	TCPConnectVerdict
	UDPConnectVerdict
	TCPAbort
	TCPSetFlowControl
	UDPSetFlowControl
)

var codeNames = map[Code]string{
	TCPConnected:        "tcp_connected",
	TCPClosed:           "tcp_closed",
	TCPReceive:          "tcp_receive",
	TCPSend:             "tcp_send",
	TCPCanReceive:       "tcp_can_receive",
	TCPCanSend:          "tcp_can_send",
	TCPConnectRequest:   "tcp_connect_request",
	UDPCreated:          "udp_created",
	UDPClosed:           "udp_closed",
	UDPReceive:          "udp_receive",
	UDPSend:             "udp_send",
	UDPCanReceive:       "udp_can_receive",
	UDPCanSend:          "udp_can_send",
	UDPConnectRequest:   "udp_connect_request",
	IPReceive:           "ip_receive",
	IPSend:              "ip_send",
	TCPSetConnState:     "tcp_set_conn_state",
	UDPSetConnState:     "udp_set_conn_state",
	TCPDisableFiltering: "tcp_disable_filtering",
	UDPDisableFiltering: "udp_disable_filtering",
	TCPSetNoDelay:       "tcp_set_no_delay",
	TCPConnectVerdict:   "tcp_connect_verdict",
	UDPConnectVerdict:   "udp_connect_verdict",
	TCPAbort:            "tcp_abort",
	TCPSetFlowControl:   "tcp_set_flow_control",
	UDPSetFlowControl:   "udp_set_flow_control",
}

func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("code(%d)", uint32(c))
}

// Known reports whether c is a defined code.
func (c Code) Known() bool {
	_, ok := codeNames[c]
	return ok
}

// Inbound reports whether the inspector may send c.
func (c Code) Inbound() bool {
	switch c {
	case TCPSend, TCPReceive, UDPSend, UDPReceive, IPSend, IPReceive:
		return true
	}
	return c >= TCPSetConnState && c <= UDPSetFlowControl
}

// ConnState values carried by SetConnState commands.
const (
	ConnSuspend uint32 = 0
	ConnResume  uint32 = 1
)
