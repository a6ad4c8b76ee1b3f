// Package command implements the binary command-and-acknowledgement protocol
// used to inject touch, key, and gesture input into devices.
//
// Frame layout (14-byte header, little-endian):
//
//	magic(4) | version(1) | kind(1) | seq(4) | payload_length(4) | payload
//
// Every command is answered by exactly one ack frame (kind 0xFF) whose
// 8-byte payload is seq(4) | status(1) | reserved(3).
//
// A Channel owns one physical endpoint. It allows one command in flight:
// concurrent callers queue on the channel and never interleave bytes.
// Channels for different devices share nothing, so commands to different
// devices proceed in parallel. Hub maps hardware ids to channels.
package command
