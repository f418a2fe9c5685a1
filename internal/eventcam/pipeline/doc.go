// Package pipeline drives a FrameSource through the unpacker into sinks.
//
// A Pipeline owns its source for the duration of Run: it connects, reads
// frames, decodes them and hands the events to every sink in order. Source
// failures are retried according to the reconnect policy; sink failures are
// counted and never stop the pipeline.
package pipeline
