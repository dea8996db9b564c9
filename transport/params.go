package transport

import "time"

// Parameters holds the QUIC transport parameters exchanged via the TLS
// extension, per spec.md §3/§4.9. Field names mirror the wire parameter
// names; durations are normalized to time.Duration for ergonomic use inside
// the core, converted to/from milliseconds on the wire.
//
// Grounded on aioquic quic/packet.py's QuicTransportParameters dataclass and
// its PARAMS table, translated to a Go struct that encodeParameters walks
// through an (id, value, present) table and decodeParameters fills through
// a switch on the parameter id.
type Parameters struct {
	OriginalDestinationCID []byte
	InitialSourceCID       []byte
	RetrySourceCID         []byte
	StatelessResetToken    []byte

	MaxIdleTimeout    time.Duration
	MaxUDPPayloadSize uint64

	InitialMaxData                 uint64
	InitialMaxStreamDataBidiLocal  uint64
	InitialMaxStreamDataBidiRemote uint64
	InitialMaxStreamDataUni        uint64
	InitialMaxStreamsBidi          uint64
	InitialMaxStreamsUni           uint64

	AckDelayExponent uint64
	MaxAckDelay      time.Duration

	DisableActiveMigration  bool
	ActiveConnectionIDLimit uint64
}

// DefaultParameters returns the parameter set a new Config starts from,
// matching the defaults named in spec.md §3.
func DefaultParameters() Parameters {
	return Parameters{
		MaxIdleTimeout:                 30 * time.Second,
		MaxUDPPayloadSize:              1452,
		InitialMaxData:                 1 << 20,
		InitialMaxStreamDataBidiLocal:  1 << 18,
		InitialMaxStreamDataBidiRemote: 1 << 18,
		InitialMaxStreamDataUni:        1 << 18,
		InitialMaxStreamsBidi:          100,
		InitialMaxStreamsUni:           100,
		AckDelayExponent:               3,
		MaxAckDelay:                    25 * time.Millisecond,
		ActiveConnectionIDLimit:        8,
	}
}

// transport parameter identifiers, draft-22.
const (
	paramOriginalConnectionID           = 0x00
	paramIdleTimeout                    = 0x01
	paramStatelessResetToken            = 0x02
	paramMaxPacketSize                  = 0x03
	paramInitialMaxData                 = 0x04
	paramInitialMaxStreamDataBidiLocal  = 0x05
	paramInitialMaxStreamDataBidiRemote = 0x06
	paramInitialMaxStreamDataUni        = 0x07
	paramInitialMaxStreamsBidi          = 0x08
	paramInitialMaxStreamsUni           = 0x09
	paramAckDelayExponent               = 0x0a
	paramMaxAckDelay                    = 0x0b
	paramDisableActiveMigration         = 0x0c
	paramActiveConnectionIDLimit        = 0x0e
	paramInitialSourceConnectionID      = 0x0f
	paramRetrySourceConnectionID        = 0x10
)

func encodeParameters(b *buffer, p *Parameters) error {
	type entry struct {
		id  uint64
		val []byte
		set bool
	}
	var varintBuf [8]byte
	putVal := func(v uint64) []byte {
		n := putVarint(varintBuf[:], v)
		out := make([]byte, n)
		copy(out, varintBuf[:n])
		return out
	}
	entries := []entry{
		{paramOriginalConnectionID, p.OriginalDestinationCID, p.OriginalDestinationCID != nil},
		{paramStatelessResetToken, p.StatelessResetToken, len(p.StatelessResetToken) == 16},
		{paramIdleTimeout, putVal(uint64(p.MaxIdleTimeout / time.Millisecond)), p.MaxIdleTimeout > 0},
		{paramMaxPacketSize, putVal(p.MaxUDPPayloadSize), p.MaxUDPPayloadSize > 0},
		{paramInitialMaxData, putVal(p.InitialMaxData), true},
		{paramInitialMaxStreamDataBidiLocal, putVal(p.InitialMaxStreamDataBidiLocal), true},
		{paramInitialMaxStreamDataBidiRemote, putVal(p.InitialMaxStreamDataBidiRemote), true},
		{paramInitialMaxStreamDataUni, putVal(p.InitialMaxStreamDataUni), true},
		{paramInitialMaxStreamsBidi, putVal(p.InitialMaxStreamsBidi), true},
		{paramInitialMaxStreamsUni, putVal(p.InitialMaxStreamsUni), true},
		{paramAckDelayExponent, putVal(p.AckDelayExponent), p.AckDelayExponent != 3},
		{paramMaxAckDelay, putVal(uint64(p.MaxAckDelay / time.Millisecond)), p.MaxAckDelay != 25*time.Millisecond},
		{paramDisableActiveMigration, nil, p.DisableActiveMigration},
		{paramActiveConnectionIDLimit, putVal(p.ActiveConnectionIDLimit), true},
		{paramInitialSourceConnectionID, p.InitialSourceCID, true},
		{paramRetrySourceConnectionID, p.RetrySourceCID, p.RetrySourceCID != nil},
	}
	for _, e := range entries {
		if !e.set {
			continue
		}
		if err := b.writeVarint(e.id); err != nil {
			return err
		}
		if err := b.writeVarint(uint64(len(e.val))); err != nil {
			return err
		}
		if err := b.writeBytes(e.val); err != nil {
			return err
		}
	}
	return nil
}

func decodeParameters(b *buffer) (*Parameters, error) {
	p := &Parameters{
		AckDelayExponent: 3,
		MaxAckDelay:      25 * time.Millisecond,
	}
	for !b.eof() {
		id, err := b.readVarint()
		if err != nil {
			return nil, err
		}
		length, err := b.readVarint()
		if err != nil {
			return nil, err
		}
		start := b.tell()
		val, err := b.readBytes(int(length))
		if err != nil {
			return nil, err
		}
		switch id {
		case paramOriginalConnectionID:
			p.OriginalDestinationCID = append([]byte(nil), val...)
		case paramStatelessResetToken:
			p.StatelessResetToken = append([]byte(nil), val...)
		case paramIdleTimeout:
			v, _ := readVarintBytes(val)
			p.MaxIdleTimeout = time.Duration(v) * time.Millisecond
		case paramMaxPacketSize:
			p.MaxUDPPayloadSize, _ = readVarintBytes(val)
		case paramInitialMaxData:
			p.InitialMaxData, _ = readVarintBytes(val)
		case paramInitialMaxStreamDataBidiLocal:
			p.InitialMaxStreamDataBidiLocal, _ = readVarintBytes(val)
		case paramInitialMaxStreamDataBidiRemote:
			p.InitialMaxStreamDataBidiRemote, _ = readVarintBytes(val)
		case paramInitialMaxStreamDataUni:
			p.InitialMaxStreamDataUni, _ = readVarintBytes(val)
		case paramInitialMaxStreamsBidi:
			p.InitialMaxStreamsBidi, _ = readVarintBytes(val)
		case paramInitialMaxStreamsUni:
			p.InitialMaxStreamsUni, _ = readVarintBytes(val)
		case paramAckDelayExponent:
			p.AckDelayExponent, _ = readVarintBytes(val)
		case paramMaxAckDelay:
			v, _ := readVarintBytes(val)
			p.MaxAckDelay = time.Duration(v) * time.Millisecond
		case paramDisableActiveMigration:
			p.DisableActiveMigration = true
		case paramActiveConnectionIDLimit:
			p.ActiveConnectionIDLimit, _ = readVarintBytes(val)
		case paramInitialSourceConnectionID:
			p.InitialSourceCID = append([]byte(nil), val...)
		case paramRetrySourceConnectionID:
			p.RetrySourceCID = append([]byte(nil), val...)
		default:
			// unknown parameter: skip
		}
		if b.tell() != start+int(length) {
			return nil, newError(TransportParameterError, "malformed parameter")
		}
	}
	return p, nil
}

func readVarintBytes(b []byte) (uint64, error) {
	buf := newBuffer(b)
	return buf.readVarint()
}
