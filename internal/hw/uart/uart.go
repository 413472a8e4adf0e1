// Package uart provides the byte transport used to talk to the camera sensor.
package uart

import "io"

// Port is the transport contract consumed by the camera link.
//
// Read is a partial read: it returns as soon as some bytes are buffered and
// returns (0, nil) when nothing arrived within the port's read timeout.
type Port interface {
	io.ReadWriteCloser

	// Buffered reports how many bytes can be read without waiting.
	Buffered() int

	// DiscardInbound drops every byte received but not yet read.
	DiscardInbound() error

	// DiscardOutbound drops every byte written but not yet transmitted.
	DiscardOutbound() error
}
