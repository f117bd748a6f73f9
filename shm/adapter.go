package shm

import "github.com/bearcove/rapace/transport"

var (
	_ transport.Adapter = (*HostConn)(nil)
	_ transport.Adapter = (*GuestConn)(nil)
)
