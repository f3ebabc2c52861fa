// Package transport carries gossip streams over gRPC and WebSocket.
//
// Both transports frame the byte stream into messages and present each
// connection as an io.ReadWriteCloser. The gRPC service is a single
// bidirectional stream of BytesValue messages, registered without
// generated code.
package transport
