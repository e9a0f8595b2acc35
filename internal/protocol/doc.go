// Package protocol implements the memcached binary protocol frames used by
// the load generator.
//
// Every frame starts with a 24-byte header:
//
//	byte  0     magic (0x80 request, 0x81 response)
//	byte  1     opcode
//	bytes 2-3   key length
//	byte  4     extras length
//	byte  5     data type
//	bytes 6-7   vbucket id (request) / status (response)
//	bytes 8-11  total body length
//	bytes 12-15 opaque
//	bytes 16-23 CAS
//
// followed by extras, key and value. Requests are modelled as Operation
// variants, each of which knows how to append its own frames. A MultiGet
// is sent as one quiet GETKQ per key followed by a NOOP sharing the same
// opaque, so the reader knows when every hit has arrived.
//
// For UDP every message is prefixed with an 8-byte frame header (request
// id, sequence number, datagram count, reserved). SplitDatagrams fragments
// a message and Reassembler puts fragments back together in any order.
package protocol
