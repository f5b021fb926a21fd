package wire

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"ringmesh/internal/core/domain"
)

// ParticipantMetrics wire layout (103 bytes):
//
//	participant_id[16] nat_tier(1) upload_kbps(4) rtt_ms(2)
//	stun_probe_success_pct(1) public_address[64] public_port(2)
//	connection_type(1) measurement_time(8) measurement_window_ms(4)
//
// The in-memory record keeps RTT at nanosecond resolution; the wire field
// is 16-bit milliseconds. rttToWire/rttFromWire are the only unit
// conversion points, and values above the field's range saturate at 65535
// rather than truncating.

// rttToWire converts a nanosecond-scale RTT to wire milliseconds.
func rttToWire(rtt time.Duration) uint16 {
	ms := rtt.Milliseconds()
	if ms < 0 {
		return 0
	}
	if ms > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(ms)
}

// rttFromWire converts wire milliseconds back to the in-memory duration.
func rttFromWire(ms uint16) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// putAddress writes an address string into a fixed 64-byte field,
// zero-padded with a guaranteed terminator in the last byte.
func putAddress(dst []byte, addr string) {
	for i := range dst[:addressSize] {
		dst[i] = 0
	}
	n := len(addr)
	if n > addressSize-1 {
		n = addressSize - 1
	}
	copy(dst, addr[:n])
}

// getAddress reads a zero-padded address field up to the first NUL.
func getAddress(src []byte) string {
	for i := 0; i < addressSize; i++ {
		if src[i] == 0 {
			return string(src[:i])
		}
	}
	return string(src[:addressSize-1])
}

// AppendMetrics encodes one record into dst and returns the extended slice.
func AppendMetrics(dst []byte, m *domain.ParticipantMetrics) []byte {
	var buf [ParticipantMetricsSize]byte

	copy(buf[0:16], m.ParticipantID[:])
	buf[16] = m.NATTier
	binary.BigEndian.PutUint32(buf[17:21], m.UploadKbps)
	binary.BigEndian.PutUint16(buf[21:23], rttToWire(m.RTT))
	buf[23] = m.STUNSuccessPct
	putAddress(buf[24:88], m.PublicAddress)
	binary.BigEndian.PutUint16(buf[88:90], m.PublicPort)
	buf[90] = m.ConnectionType
	binary.BigEndian.PutUint64(buf[91:99], uint64(m.MeasuredAt.UnixNano()))
	binary.BigEndian.PutUint32(buf[99:103], uint32(m.MeasurementWindow.Milliseconds()))

	return append(dst, buf[:]...)
}

// DecodeMetrics parses one 103-byte record.
func DecodeMetrics(data []byte) (domain.ParticipantMetrics, error) {
	if len(data) < ParticipantMetricsSize {
		return domain.ParticipantMetrics{}, fmt.Errorf("%w: metrics record %d < %d",
			domain.ErrShortPacket, len(data), ParticipantMetricsSize)
	}

	// Tiers run 0 (open) through 4 (blocked); anything else is a
	// malformed or hostile record and must not reach the election.
	if data[16] > 4 {
		return domain.ParticipantMetrics{}, fmt.Errorf("%w: %d", domain.ErrInvalidNATTier, data[16])
	}

	var m domain.ParticipantMetrics
	copy(m.ParticipantID[:], data[0:16])
	m.NATTier = data[16]
	m.UploadKbps = binary.BigEndian.Uint32(data[17:21])
	m.RTT = rttFromWire(binary.BigEndian.Uint16(data[21:23]))
	m.STUNSuccessPct = data[23]
	m.PublicAddress = getAddress(data[24:88])
	m.PublicPort = binary.BigEndian.Uint16(data[88:90])
	m.ConnectionType = data[90]
	m.MeasuredAt = time.Unix(0, int64(binary.BigEndian.Uint64(data[91:99]))).UTC()
	m.MeasurementWindow = time.Duration(binary.BigEndian.Uint32(data[99:103])) * time.Millisecond
	return m, nil
}
