// Package transport provides the management channel transport layer.
//
// # Stream Transport
//
// StreamTransport frames messages over any net.Conn (TCP from Dial/Listen, or
// an in-memory pair from Pipe). Each frame carries an 8-byte header:
//
//	[2B magic 0x4D47 "MG"][1B version][1B flags][4B big-endian length][message]
//
// A bad magic or version makes the stream unusable: the frame boundary can no
// longer be trusted, so Recv returns an error and the channel above tears down.
package transport
