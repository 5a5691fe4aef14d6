// Package transport moves audio chunks between this service and the outside
// world.
//
// Sinks (all satisfy stream.Sink):
//   - Poster: HTTP POST per chunk with bounded concurrency and retries
//   - WSSender: one websocket frame per chunk
//   - RedisPublisher: one pub/sub message per chunk
//
// Sources return a *stream.Bridge that is fed by a background reader:
//   - StreamFromWebSocket: frames from a websocket connection
//   - StreamFromRedis: messages from a pub/sub channel
//
// Every transport uses a protocol.Codec, so binary (CBOR) and text (JSON)
// framing are interchangeable.
package transport
