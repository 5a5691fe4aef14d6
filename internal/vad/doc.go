// Package vad flags voice activity in audio chunks from their smoothed RMS
// level. A Detector can annotate a live stream through stream.Map or group
// buffered chunks into voice segments.
package vad
