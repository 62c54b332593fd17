package core

import "errors"

// The error taxonomy from spec §7. These are sentinel "kind" markers:
// concrete errors wrap one of these with fmt.Errorf("%w: ...", KindX, ...)
// so callers can classify failures with errors.Is without string
// matching, matching the teacher's sentinel-error convention generalized
// to support wrapping.
var (
	// ErrIdentifier: malformed magnet, wrong info_hash length, invalid
	// node id.
	ErrIdentifier = errors.New("identifier error")

	// ErrIO: socket, file, DNS errors.
	ErrIO = errors.New("io error")

	// ErrProtocol: bad length prefix, unknown message id, bad handshake,
	// bad bencode.
	ErrProtocol = errors.New("protocol error")

	// ErrTimeout: any awaited response exceeding its budget.
	ErrTimeout = errors.New("timeout error")

	// ErrConsistency: piece hash mismatch, bitfield length mismatch,
	// chunk out of range.
	ErrConsistency = errors.New("consistency error")

	// ErrCapacity: pending-request buffer full, too many peers.
	ErrCapacity = errors.New("capacity error")

	// ErrClosed: torrent removed, listener dropped, channel closed.
	ErrClosed = errors.New("closed error")
)
