// Package unpack decodes bit-packed event-camera frames into events.
//
// A frame carries two 1-bit-per-pixel bitmaps, one per polarity. The
// Unpacker resolves the configured layout once into lookup tables so the
// decode loop never branches on layout flags or individual bits.
package unpack
