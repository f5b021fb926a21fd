// Package wire implements the fixed-layout discovery packets. Every
// multi-byte integer is big-endian on the wire; participant and session ids
// are raw 16-byte values with no byte-order conversion. Sizes are part of
// the protocol contract and must never drift: receivers on other
// implementations parse these layouts byte-for-byte.
package wire

// Packet type identifiers for the consensus subprotocol.
const (
	TypeRingMembers          uint16 = 6100
	TypeStatsCollectionStart uint16 = 6101
	TypeStatsUpdate          uint16 = 6102
	TypeRingElectionResult   uint16 = 6103
	TypeStatsAck             uint16 = 6104
)

// Exact encoded sizes in bytes.
const (
	ParticipantMetricsSize = 103
	RingMembersSize        = 1046
	CollectionStartSize    = 44
	StatsUpdateHeaderSize  = 37
	ElectionResultSize     = 209
	StatsAckSize           = 69

	addressSize = 64
	idSize      = 16
	maxMembers  = 64
)

// Ack status values carried in STATS_ACK.
const (
	AckAgree    uint8 = 0
	AckDisagree uint8 = 1
)

// PacketTypeName maps a type id to a printable name for logging.
func PacketTypeName(packetType uint16) string {
	switch packetType {
	case TypeRingMembers:
		return "RING_MEMBERS"
	case TypeStatsCollectionStart:
		return "STATS_COLLECTION_START"
	case TypeStatsUpdate:
		return "STATS_UPDATE"
	case TypeRingElectionResult:
		return "RING_ELECTION_RESULT"
	case TypeStatsAck:
		return "STATS_ACK"
	default:
		return "unknown"
	}
}

// PacketMinSize returns the minimum valid payload size for a type id, or 0
// for an unrecognized id. Receivers reject undersized packets before
// parsing.
func PacketMinSize(packetType uint16) int {
	switch packetType {
	case TypeRingMembers:
		return RingMembersSize
	case TypeStatsCollectionStart:
		return CollectionStartSize
	case TypeStatsUpdate:
		return StatsUpdateHeaderSize
	case TypeRingElectionResult:
		return ElectionResultSize
	case TypeStatsAck:
		return StatsAckSize
	default:
		return 0
	}
}
