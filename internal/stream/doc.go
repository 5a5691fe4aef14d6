// Package stream provides the pull-based chunk Stream and everything built
// on it: the Bridge that adapts push-style sources, the Map and PipeTo
// combinators, the time-windowed replay buffer, and the Manager that keeps
// one session per stream and fans published chunks out to subscribers.
package stream
