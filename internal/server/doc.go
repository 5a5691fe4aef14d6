// Package server exposes the stream manager over the network.
//
// UDPServer accepts one binary-encoded chunk per datagram. A pool of workers
// decodes and publishes them; datagrams from one sender always go to the same
// worker, so each producer's chunks keep their order.
//
// HTTPServer serves chunk ingestion (single chunks, raw PCM and websockets),
// buffered replay as JSON or WAV, live websocket subscriptions and the
// monitoring endpoints (/health, /stats, /config, /metrics).
package server
