package component

import "github.com/realtime-ai/omxil/pkg/omx"

type cmdMsg struct {
	cmd   omx.Command
	param int
}

// clientBufferMsg carries EmptyThisBuffer and FillThisBuffer.
type clientBufferMsg struct {
	pid int
	h   *omx.BufferHeader
}

// peerBufferMsg hands a header to port pid from the tunnel peer.
type peerBufferMsg struct {
	pid int
	h   *omx.BufferHeader
}

// useBuffersMsg registers a supplier's pool at the non-supplier port pid.
type useBuffersMsg struct {
	pid  int
	hdrs []*omx.BufferHeader
}

// freeBuffersMsg tells port pid that the supplier freed its pool.
type freeBuffersMsg struct {
	pid int
}

// reqBuffersMsg asks the supplier to register its pool again at the
// re-enabled peer port.
type reqBuffersMsg struct {
	pid int
}

// peerStateMsg tells port pid whether the peer port circulates buffers.
type peerStateMsg struct {
	pid    int
	active bool
}

type portSettingsMsg struct {
	pid   int
	param omx.Param
}

type teardownMsg struct {
	pid int
}

type callMsg struct {
	fn   func()
	done chan struct{}
}

type buffersReadyMsg struct{}

type grantMsg struct{}

type freeMsg struct{}
