package config

// DefaultDataChannelMaxMessageBytes caps a single message on a direct
// connection DataChannel.
const DefaultDataChannelMaxMessageBytes = 64 * 1024

// DefaultWebRTCSCTPMaxReceiveBufferBytes caps the SCTP receive buffer used by
// pion (applies before DataChannel.OnMessage handlers run).
const DefaultWebRTCSCTPMaxReceiveBufferBytes = 1 << 20 // 1MiB

// minWebRTCSCTPReceiveBufferBytes is the minimum SCTP receive buffer size that
// pion/sctp will accept during association setup. Values below this break SCTP
// negotiation (INIT/INIT-ACK validation).
const minWebRTCSCTPReceiveBufferBytes = 1500

func defaultWebRTCSCTPMaxReceiveBufferBytes(maxMessageBytes int) int {
	if maxMessageBytes < 0 {
		maxMessageBytes = 0
	}
	buf := DefaultWebRTCSCTPMaxReceiveBufferBytes

	// Keep the receive buffer comfortably above the per-message cap so that a
	// small amount of in-flight data does not immediately stall the association.
	if twice := maxMessageBytes * 2; twice > buf {
		buf = twice
	}
	if buf < minWebRTCSCTPReceiveBufferBytes {
		buf = minWebRTCSCTPReceiveBufferBytes
	}
	return buf
}
