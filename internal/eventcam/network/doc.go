// Package network receives raw event-camera frames.
//
// Two FrameSource variants recover fixed-size frame boundaries from the
// network: DatagramSource binds a UDP port and accumulates packets until a
// frame is complete, StreamSource connects to a TCP server and reads exactly
// one frame (optionally preceded by a length header) per call. Both share
// the same exact-length fill loop and differ only in their read primitive.
//
// Sockets are reached through small interfaces (UDPSocket, StreamConn) so
// that tests and PCAP replay can stand in for the operating system.
package network
