package trigger

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// Banner is the prefix of the first line the trigger board prints after reset.
const Banner = "CDDM Trigger"

// Commands understood by the trigger board.
const (
	CmdSimulate int8 = 0 // compute the schedule and stream it back, no pulses
	CmdStart    int8 = 1 // start pulsing
	CmdStop     int8 = 2 // stop pulsing
)

// Triggering schemes of the board.
const (
	SchemeRandomT2     = 0
	SchemeRandomT2Zero = 1
	SchemeModuloT2     = 2
	SchemeModuloT2Zero = 3
)

// CommandSize is the encoded size of a command.
const CommandSize = 17

// RecordSize is the encoded size of one pulse record.
const RecordSize = 5

// Program holds the board parameters sent with every command.
// Times are in microseconds.
type Program struct {
	Scheme      int16
	Count       int32 // pulses per camera
	DeltaT      int16 // interval between two frames of one camera
	N           int16 // delay multiplier of the second camera
	PulseWidth  int16
	StrobeWidth int16
	StrobeDelay int16
}

// command mirrors the wire layout: int8, int16, int32, 5x int16, little endian, packed.
type command struct {
	Cmd         int8
	Mode        int16
	Count       int32
	DeltaT      int16
	N           int16
	PulseWidth  int16
	StrobeWidth int16
	StrobeDelay int16
}

// EncodeCommand packs cmd with the program parameters.
func EncodeCommand(cmd int8, p Program) []byte {
	var buf bytes.Buffer
	buf.Grow(CommandSize)
	// binary.Write on a bytes.Buffer of fixed-size fields cannot fail.
	_ = binary.Write(&buf, binary.LittleEndian, command{
		Cmd:         cmd,
		Mode:        p.Scheme,
		Count:       p.Count,
		DeltaT:      p.DeltaT,
		N:           p.N,
		PulseWidth:  p.PulseWidth,
		StrobeWidth: p.StrobeWidth,
		StrobeDelay: p.StrobeDelay,
	})
	return buf.Bytes()
}

// Record is one pulse reported by the board.
type Record struct {
	Channel uint8  // 0 both cameras, 1 first camera, 2 second camera
	TimeUs  uint32 // board clock
}

// DecodeRecord unpacks a RecordSize-byte record.
func DecodeRecord(b []byte) (Record, error) {
	if len(b) != RecordSize {
		return Record{}, fmt.Errorf("trigger record must be %d bytes, got %d", RecordSize, len(b))
	}
	return Record{
		Channel: b[0],
		TimeUs:  binary.LittleEndian.Uint32(b[1:]),
	}, nil
}

// EncodeRecord is the inverse of DecodeRecord.
func EncodeRecord(r Record) []byte {
	b := make([]byte, RecordSize)
	b[0] = r.Channel
	binary.LittleEndian.PutUint32(b[1:], r.TimeUs)
	return b
}

// IsBanner reports whether line identifies a trigger board.
func IsBanner(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), Banner)
}
