// Package chunk implements the outbound fragmentation contract: a payload
// at or under the chunk size goes out as a single frame; anything larger
// is split into a leading frame, zero or more continuation frames, and a
// final continuation frame, never emitting an empty trailing frame.
//
// gorilla/websocket already reassembles inbound fragments into whole
// messages for us (Conn.ReadMessage), and will itself emit continuation
// frames once a NextWriter's buffered bytes exceed the connection's write
// buffer size. WriteChunked ties those two facts together: it relies on
// the transport's write buffer being sized to ChunkSize so a single
// NextWriter/Write/Close sequence reproduces the spec's exact chunk
// boundaries.
package chunk

import "io"

// DefaultSize is the default outbound chunk size: 64 KiB.
const DefaultSize = 64 * 1024

// WriteChunked writes payload to w in ChunkSize-bounded pieces. w is
// expected to be the io.WriteCloser returned by a transport's per-message
// writer (e.g. (*websocket.Conn).NextWriter); Close() flushes the final
// (possibly partial) chunk with FIN=1.
//
// A single io.Writer.Write call is used for the whole payload: the
// transport's own buffering (sized to chunkSize by the caller) is what
// turns this into the wire-level sequence of BINARY + CONTINUATION...
// frames. This function exists to make that contract explicit and
// unit-testable independent of a real socket.
func WriteChunked(w io.WriteCloser, payload []byte) error {
	if _, err := w.Write(payload); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// Plan describes how a payload of length n would be split at chunkSize,
// for tests and diagnostics that want to assert on frame boundaries
// without a live socket.
func Plan(n int, chunkSize int) []int {
	if chunkSize <= 0 {
		chunkSize = DefaultSize
	}
	if n <= chunkSize {
		return []int{n}
	}

	var sizes []int
	for remaining := n; remaining > 0; {
		take := chunkSize
		if take > remaining {
			take = remaining
		}
		sizes = append(sizes, take)
		remaining -= take
	}
	return sizes
}
