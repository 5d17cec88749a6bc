package pprof

import (
	"bytes"
	"compress/gzip"
)

// The pprof Profile message model. String-valued fields hold indices into
// the profile's string table; *Index fields are such indices. Functions and
// locations carry 1-based IDs, ID 0 is reserved.

////////////////////////////////////////////////////////////////////////////////

type ValueType struct {
	TypeIndex int64
	UnitIndex int64
}

func (v ValueType) encode(b *buffer) {
	b.int64Opt(1, v.TypeIndex)
	b.int64Opt(2, v.UnitIndex)
}

////////////////////////////////////////////////////////////////////////////////

type Label struct {
	KeyIndex  int64
	StrIndex  int64
	Num       int64
	UnitIndex int64
}

func (l Label) encode(b *buffer) {
	b.int64Opt(1, l.KeyIndex)
	b.int64Opt(2, l.StrIndex)
	b.int64Opt(3, l.Num)
	b.int64Opt(4, l.UnitIndex)
}

////////////////////////////////////////////////////////////////////////////////

type Mapping struct {
	ID              uint64
	MemoryStart     uint64
	MemoryLimit     uint64
	FileOffset      uint64
	FilenameIndex   int64
	BuildIDIndex    int64
	HasFunctions    bool
	HasFilenames    bool
	HasLineNumbers  bool
	HasInlineFrames bool
}

func (m Mapping) encode(b *buffer) {
	b.uint64Opt(1, m.ID)
	b.uint64Opt(2, m.MemoryStart)
	b.uint64Opt(3, m.MemoryLimit)
	b.uint64Opt(4, m.FileOffset)
	b.int64Opt(5, m.FilenameIndex)
	b.int64Opt(6, m.BuildIDIndex)
	b.boolOpt(7, m.HasFunctions)
	b.boolOpt(8, m.HasFilenames)
	b.boolOpt(9, m.HasLineNumbers)
	b.boolOpt(10, m.HasInlineFrames)
}

////////////////////////////////////////////////////////////////////////////////

type Line struct {
	FunctionID uint64
	Line       int64
}

func (l Line) encode(b *buffer) {
	b.uint64Opt(1, l.FunctionID)
	b.int64Opt(2, l.Line)
}

////////////////////////////////////////////////////////////////////////////////

type Function struct {
	ID              uint64
	NameIndex       int64
	SystemNameIndex int64
	FilenameIndex   int64
	StartLine       int64
}

func (f Function) encode(b *buffer) {
	b.uint64Opt(1, f.ID)
	b.int64Opt(2, f.NameIndex)
	b.int64Opt(3, f.SystemNameIndex)
	b.int64Opt(4, f.FilenameIndex)
	b.int64Opt(5, f.StartLine)
}

////////////////////////////////////////////////////////////////////////////////

type Location struct {
	ID        uint64
	MappingID uint64
	Address   uint64
	Line      []Line
	IsFolded  bool
}

func (l Location) encode(b *buffer) {
	b.uint64Opt(1, l.ID)
	b.uint64Opt(2, l.MappingID)
	b.uint64Opt(3, l.Address)
	encodeRepeated(b, 4, l.Line)
	b.boolOpt(5, l.IsFolded)
}

////////////////////////////////////////////////////////////////////////////////

type Sample struct {
	LocationID []uint64
	Value      []int64
	Label      []Label
}

func (s *Sample) encode(b *buffer) {
	b.uint64s(1, s.LocationID)
	b.int64s(2, s.Value)
	encodeRepeated(b, 3, s.Label)
}

////////////////////////////////////////////////////////////////////////////////

type Profile struct {
	SampleType             []ValueType
	Sample                 []*Sample
	Mapping                []Mapping
	Location               []Location
	Function               []Function
	StringTable            []string
	DropFramesIndex        int64
	KeepFramesIndex        int64
	TimeNanos              int64
	DurationNanos          int64
	PeriodType             ValueType
	Period                 int64
	CommentIndex           []int64
	DefaultSampleTypeIndex int64
}

func (p *Profile) encode(b *buffer) {
	encodeRepeated(b, 1, p.SampleType)
	for _, s := range p.Sample {
		b.msg(2, s)
	}
	encodeRepeated(b, 3, p.Mapping)
	encodeRepeated(b, 4, p.Location)
	encodeRepeated(b, 5, p.Function)
	b.strings(6, p.StringTable)
	b.int64Opt(7, p.DropFramesIndex)
	b.int64Opt(8, p.KeepFramesIndex)
	b.int64Opt(9, p.TimeNanos)
	b.int64Opt(10, p.DurationNanos)
	if p.PeriodType.TypeIndex != 0 || p.PeriodType.UnitIndex != 0 {
		b.msg(11, p.PeriodType)
	}
	b.int64Opt(12, p.Period)
	b.int64s(13, p.CommentIndex)
	b.int64(14, p.DefaultSampleTypeIndex)
}

func encodeRepeated[M message](b *buffer, field int, ms []M) {
	for _, m := range ms {
		b.msg(field, m)
	}
}

// Marshal returns the profile in pprof wire format.
func (p *Profile) Marshal() []byte {
	var b buffer
	p.encode(&b)
	return b.data
}

// MarshalGzip returns the gzip-compressed wire format, the form the
// profiler API transports.
func (p *Profile) MarshalGzip() ([]byte, error) {
	var out bytes.Buffer
	zw := gzip.NewWriter(&out)
	if _, err := zw.Write(p.Marshal()); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
