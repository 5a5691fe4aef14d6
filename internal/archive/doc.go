// Package archive persists chunks to PostgreSQL and replays them as streams.
//
// SQLArchive is a stream.Sink, so main wires it behind a Manager tap with
// stream.PipeTo. Replay returns a stream.Stream that reads rows lazily.
package archive
