// Package transport provides the connection abstraction workers use to
// talk to cache servers over TCP or UDP.
//
// A Conn guarantees that WriteMessage either transfers the whole message
// or returns an error wrapping ErrTransport, and that Close releases the
// socket on every path. Timeouts wrap ErrTimeout, which itself wraps
// ErrTransport, so callers can classify failures with errors.Is.
//
// Stream connections read pipelined responses in order through a
// buffered reader. Datagram connections frame each message with the
// memcached UDP header, reassemble out-of-order fragments, and drop
// fragments belonging to earlier (timed out) requests.
package transport
