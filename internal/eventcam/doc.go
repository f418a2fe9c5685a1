// Package eventcam holds the domain types shared by the event-camera bridge:
// frame geometry, bit-unpack layout, decoded events and the sentinel errors
// returned by frame sources.
//
// Subpackages are layered the way data flows through the bridge:
//
//	network   - frame sources (datagram, stream, pcap replay) and reassembly
//	unpack    - lookup-table decoder from packed bitmap to events
//	pipeline  - driver that connects sources, the unpacker and sinks
//	storage   - persistent event store
//	publish   - TCP republishing of decoded events
//	monitor   - statistics and debug HTTP endpoints
//	synthetic - frame packer and camera simulator
package eventcam
