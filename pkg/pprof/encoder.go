package pprof

// Minimal protobuf wire encoder, sufficient for the pprof schema.
// Only two wire types are needed: 0 (varint) and 2 (length-delimited).
// Signed int64 fields are emitted as plain varints of the two's-complement
// uint64, matching the int64 field type of the pprof proto (no zigzag).

const (
	wireVarint    = 0
	wireDelimited = 2
)

type buffer struct {
	data []byte
}

func (b *buffer) varint(x uint64) {
	for x >= 0x80 {
		b.data = append(b.data, byte(x)|0x80)
		x >>= 7
	}
	b.data = append(b.data, byte(x))
}

func (b *buffer) tag(field, wire int) {
	b.varint(uint64(field)<<3 | uint64(wire))
}

func (b *buffer) uint64(field int, x uint64) {
	b.tag(field, wireVarint)
	b.varint(x)
}

// uint64Opt skips the field entirely when x is zero, per proto3 default
// value suppression.
func (b *buffer) uint64Opt(field int, x uint64) {
	if x == 0 {
		return
	}
	b.uint64(field, x)
}

func (b *buffer) int64(field int, x int64) {
	b.uint64(field, uint64(x))
}

func (b *buffer) int64Opt(field int, x int64) {
	if x == 0 {
		return
	}
	b.int64(field, x)
}

func (b *buffer) boolOpt(field int, x bool) {
	if !x {
		return
	}
	b.uint64(field, 1)
}

// string skips empty strings. Entries of repeated string fields must not be
// suppressed; use strings for those.
func (b *buffer) string(field int, s string) {
	if s == "" {
		return
	}
	b.tag(field, wireDelimited)
	b.varint(uint64(len(s)))
	b.data = append(b.data, s...)
}

// strings emits every element, including empty ones. The pprof string table
// is index-addressed, so dropping an empty entry would shift every
// reference after it.
func (b *buffer) strings(field int, ss []string) {
	for _, s := range ss {
		b.tag(field, wireDelimited)
		b.varint(uint64(len(s)))
		b.data = append(b.data, s...)
	}
}

// int64s uses packed encoding: a single tag, the byte length of the payload,
// then the concatenated varints. Empty slices emit nothing.
func (b *buffer) int64s(field int, xs []int64) {
	if len(xs) == 0 {
		return
	}
	var packed buffer
	for _, x := range xs {
		packed.varint(uint64(x))
	}
	b.tag(field, wireDelimited)
	b.varint(uint64(len(packed.data)))
	b.data = append(b.data, packed.data...)
}

func (b *buffer) uint64s(field int, xs []uint64) {
	if len(xs) == 0 {
		return
	}
	var packed buffer
	for _, x := range xs {
		packed.varint(x)
	}
	b.tag(field, wireDelimited)
	b.varint(uint64(len(packed.data)))
	b.data = append(b.data, packed.data...)
}

type message interface {
	encode(b *buffer)
}

// msg writes the sub-message into a scratch buffer first to learn its
// length, then emits tag + length + bytes.
func (b *buffer) msg(field int, m message) {
	var sub buffer
	m.encode(&sub)
	b.tag(field, wireDelimited)
	b.varint(uint64(len(sub.data)))
	b.data = append(b.data, sub.data...)
}
