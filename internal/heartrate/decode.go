// Package heartrate decodes standard Heart Rate Measurement notification
// payloads and smooths the resulting BPM stream.
package heartrate

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/srg/pulsecam/internal/ble"
)

// Heart Rate Measurement flags (byte 0).
const (
	flagRate16Bit        = 1 << 0
	flagContactDetected  = 1 << 1
	flagContactSupported = 1 << 2
	flagEnergyExpended   = 1 << 3
	flagRRIntervals      = 1 << 4
)

// Measurement is one decoded Heart Rate Measurement notification.
type Measurement struct {
	BPM              int
	ContactSupported bool
	ContactDetected  bool
	EnergyExpended   *uint16         // kJ, present only when the sensor reports it
	RRIntervals      []time.Duration // beat-to-beat intervals
}

// Decode parses one notification payload. Byte 0 is the flags field; bit 0
// selects 8-bit vs 16-bit little-endian BPM. A payload claiming 16-bit
// but carrying only one rate byte degrades to the 8-bit read; some straps
// truncate the packet. Optional fields follow in profile order; a payload
// truncated mid-optionals keeps what parsed. Payloads too short to carry
// any BPM fail with ErrMalformedPayload.
func Decode(data []byte) (Measurement, error) {
	var m Measurement

	if len(data) < 2 {
		return m, fmt.Errorf("%w: %d bytes", ble.ErrMalformedPayload, len(data))
	}

	flags := data[0]
	m.ContactSupported = flags&flagContactSupported != 0
	m.ContactDetected = m.ContactSupported && flags&flagContactDetected != 0

	offset := 1
	if flags&flagRate16Bit != 0 && len(data) >= 3 {
		m.BPM = int(binary.LittleEndian.Uint16(data[1:3]))
		offset = 3
	} else {
		m.BPM = int(data[1])
		offset = 2
	}

	if flags&flagEnergyExpended != 0 && len(data) >= offset+2 {
		energy := binary.LittleEndian.Uint16(data[offset : offset+2])
		m.EnergyExpended = &energy
		offset += 2
	}

	if flags&flagRRIntervals != 0 {
		// Remaining payload is uint16 LE values in units of 1/1024 s.
		for ; offset+2 <= len(data); offset += 2 {
			rr := binary.LittleEndian.Uint16(data[offset : offset+2])
			m.RRIntervals = append(m.RRIntervals, time.Duration(rr)*time.Second/1024)
		}
	}

	return m, nil
}
