// Package audio defines the Chunk value carried through the service, its
// plain-data interchange projection, and the PCM helpers around it: the
// Framer that slices raw capture bytes into chunks and the WAV container
// used for exports.
package audio
