// Package streams decodes the per-stream payloads carried by an event into
// structured records.
//
// Every supported stream kind publishes a JSON header in the first frame.
// Detector kinds (xspress, STINS) put the raw sample buffer in the second
// frame; its layout is described by the header's shape, type and
// compression fields.
//
// # Kinds
//
//	contrast  control/status records of the scan sequencer
//	xspress   multi-channel fluorescence spectra, [channels][bins]
//	PCAP      position capture values from the encoder box
//	STINS     Stream1 area detector frames (pilatus, eiger)
//
// Parsers never panic on malformed input. Every failure is a *ParseError
// that matches ErrParse with errors.Is.
package streams
