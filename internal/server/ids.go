package server

import "github.com/google/uuid"

// Wire identifiers correlate frames across the control channel. They only
// need to be unique within one gateway process.

func newRequestID() string {
	return "req_" + uuid.NewString()
}

func newConnectionID() string {
	return "conn_" + uuid.NewString()
}

func newUDPSessionID() string {
	return "udp_" + uuid.NewString()
}
