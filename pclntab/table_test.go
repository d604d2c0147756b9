package pclntab

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// testFunc describes one synthetic function for buildGopclntab.
type testFunc struct {
	name string
	// pcStartRaw is the value stored verbatim in the functab entry: for
	// Version118 this is an offset from textStart, for every other
	// version it is already absolute, matching spec §3.5's table.
	pcStartRaw uint64
	line       int32 // single line value covering the whole function
	file       string
}

// buildGopclntab encodes a minimal, internally-consistent gopclntab for
// exactly the fields this package reads (see table.go's package doc: we
// never parse a real compiler-emitted table, only our own documented
// encoding of spec §3.5/§4.F's semantics).
func buildGopclntab(t *testing.T, magic uint32, textStart uint64, funcs []testFunc) []byte {
	t.Helper()

	const quantum = 1
	const ptrSize = 8

	functabOff := uint64(headerSize)
	functabSize := uint64(len(funcs)) * 16
	funcInfoOff := functabOff + functabSize
	funcInfoSizeTotal := uint64(len(funcs)) * funcInfoSize

	var funcname, filetab, pctab []byte
	funcnameOffsets := make([]uint64, len(funcs))
	fileOffsets := make([]uint64, len(funcs))
	pclnOffsets := make([]uint64, len(funcs))
	pcfileOffsets := make([]uint64, len(funcs))

	for i, f := range funcs {
		funcnameOffsets[i] = uint64(len(funcname))
		funcname = append(funcname, []byte(f.name)...)
		funcname = append(funcname, 0)

		fileOffsets[i] = uint64(len(filetab))
		filetab = append(filetab, []byte(f.file)...)
		filetab = append(filetab, 0)

		pclnOffsets[i] = uint64(len(pctab))
		pctab = append(pctab, encodeSingleValueStream(f.line)...)

		pcfileOffsets[i] = uint64(len(pctab))
		pctab = append(pctab, encodeSingleValueStream(int32(fileOffsets[i]))...)
	}

	filetabOff := funcInfoOff + funcInfoSizeTotal + uint64(len(funcname))
	pctabOff := filetabOff + uint64(len(filetab))
	funcnameOff := funcInfoOff + funcInfoSizeTotal

	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:4], magic)
	buf[6] = quantum
	buf[7] = ptrSize
	binary.LittleEndian.PutUint64(buf[8:16], uint64(len(funcs)))
	binary.LittleEndian.PutUint64(buf[16:24], 1)
	binary.LittleEndian.PutUint64(buf[24:32], textStart)
	binary.LittleEndian.PutUint64(buf[32:40], funcnameOff)
	binary.LittleEndian.PutUint64(buf[48:56], filetabOff)
	binary.LittleEndian.PutUint64(buf[56:64], pctabOff)
	binary.LittleEndian.PutUint64(buf[64:72], functabOff)

	// functab entries.
	functabBytes := make([]byte, functabSize)
	for i, f := range funcs {
		off := uint64(i) * 16
		binary.LittleEndian.PutUint64(functabBytes[off:off+8], f.pcStartRaw)
		binary.LittleEndian.PutUint64(functabBytes[off+8:off+16], funcInfoOff+uint64(i)*funcInfoSize)
	}

	// func info records.
	infoBytes := make([]byte, funcInfoSizeTotal)
	for i := range funcs {
		off := uint64(i) * funcInfoSize
		binary.LittleEndian.PutUint32(infoBytes[off:off+4], uint32(funcnameOffsets[i]))
		binary.LittleEndian.PutUint32(infoBytes[off+4:off+8], 0)
		binary.LittleEndian.PutUint32(infoBytes[off+8:off+12], 0)
		binary.LittleEndian.PutUint32(infoBytes[off+12:off+16], uint32(pcfileOffsets[i]))
		binary.LittleEndian.PutUint32(infoBytes[off+16:off+20], uint32(pclnOffsets[i]))
	}

	out := buf
	out = append(out, functabBytes...)
	out = append(out, infoBytes...)
	out = append(out, funcname...)
	out = append(out, filetab...)
	out = append(out, pctab...)

	require.EqualValues(t, funcnameOff, funcInfoOff+funcInfoSizeTotal)
	require.EqualValues(t, filetabOff, funcnameOff+uint64(len(funcname)))
	require.EqualValues(t, pctabOff, filetabOff+uint64(len(filetab)))

	return out
}

// encodeSingleValueStream builds a one-step pcvalue stream (spec §4.F step
// 3/4) whose value is val for the entire function, using a huge pc-delta so
// any target PC within the function falls inside the single range.
func encodeSingleValueStream(val int32) []byte {
	var buf []byte
	vdelta := val - (-1) // value starts at -1
	buf = appendUvarint(buf, zigzagEncode(vdelta))
	buf = appendUvarint(buf, 1<<32) // effectively unbounded pc range
	return buf
}

func appendUvarint(buf []byte, v uint64) []byte {
	tmp := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(tmp, v)
	return append(buf, tmp[:n]...)
}

func zigzagEncode(v int32) uint64 {
	return uint64(uint32((v << 1) ^ (v >> 31)))
}

func TestVersion118TextStartOffsetAddedOnce(t *testing.T) {
	// Regression guard for the v0.1.0 bug (spec §8 property 4): given
	// text_start = 0x401000 and a function stored at raw offset
	// 0x2050, PC 0x403050 must resolve to that function -- not
	// "unknown" and not an off-by-one neighbor.
	const textStart = 0x401000
	const rawOffset = 0x2050
	funcs := []testFunc{
		{name: "main.fib", pcStartRaw: rawOffset, line: 42, file: "main.go"},
	}
	data := buildGopclntab(t, 0xfffffff0, textStart, funcs)

	table, err := Parse(data, 0)
	require.NoError(t, err)
	require.Equal(t, Version118, table.Version())
	require.Len(t, table.functab, 1)
	require.EqualValues(t, textStart+rawOffset, table.functab[0].PCStart)

	frame, ok := table.Resolve(0x403050)
	require.True(t, ok)
	require.Equal(t, "main.fib", frame.Name)
	require.Equal(t, "main.go", frame.File)
	require.Equal(t, 42, frame.Line)
}

func TestVersion118DoesNotDoubleShift(t *testing.T) {
	// Resolve picks the greatest function start <= pc with no upper
	// bound, so a neighbor follows main.fib: the doubly-shifted PC must
	// land on that neighbor. If Parse added TextStart twice, main.fib
	// would start exactly at wrongPC and this would fail.
	const textStart = 0x401000
	const rawOffset = 0x2050
	funcs := []testFunc{
		{name: "main.fib", pcStartRaw: rawOffset, line: 1, file: "main.go"},
		{name: "main.after", pcStartRaw: 0x3000, line: 2, file: "main.go"},
	}
	data := buildGopclntab(t, 0xfffffff0, textStart, funcs)
	table, err := Parse(data, 0)
	require.NoError(t, err)

	wrongPC := uint64(textStart + textStart + rawOffset)
	frame, ok := table.Resolve(wrongPC)
	if ok {
		require.NotEqual(t, "main.fib", frame.Name)
	}
}

func TestLegacyAndModernAbsolutePCsUnchanged(t *testing.T) {
	for _, magic := range []uint32{0xfffffffb, 0xfffffffa} {
		funcs := []testFunc{
			{name: "main.work", pcStartRaw: 0x450000, line: 7, file: "work.go"},
		}
		data := buildGopclntab(t, magic, 0, funcs)
		table, err := Parse(data, 0)
		require.NoError(t, err)
		require.EqualValues(t, 0x450000, table.functab[0].PCStart)

		frame, ok := table.Resolve(0x450010)
		require.True(t, ok)
		require.Equal(t, "main.work", frame.Name)
	}
}

func TestResolveUnknownPC(t *testing.T) {
	funcs := []testFunc{{name: "main.main", pcStartRaw: 0x500000, line: 1, file: "main.go"}}
	data := buildGopclntab(t, 0xfffffff0, 0x400000, funcs)
	table, err := Parse(data, 0)
	require.NoError(t, err)

	_, ok := table.Resolve(0x1000)
	require.False(t, ok, "PC below the lowest function must not resolve")
}

func TestResolveIdempotent(t *testing.T) {
	// Spec §8 property 3: resolving the same PC twice yields an
	// identical frame, and the cache doesn't change the result.
	funcs := []testFunc{
		{name: "main.a", pcStartRaw: 0x10, line: 1, file: "a.go"},
		{name: "main.b", pcStartRaw: 0x1000, line: 2, file: "b.go"},
	}
	data := buildGopclntab(t, 0xfffffffa, 0, funcs)
	table, err := Parse(data, 4096)
	require.NoError(t, err)

	f1, ok1 := table.Resolve(0x1010)
	f2, ok2 := table.Resolve(0x1010)
	require.True(t, ok1)
	require.True(t, ok2)
	require.Equal(t, f1, f2)
}

func TestCacheStatsCountsHitsAndMisses(t *testing.T) {
	funcs := []testFunc{
		{name: "main.a", pcStartRaw: 0x10, line: 1, file: "a.go"},
	}
	data := buildGopclntab(t, 0xfffffffa, 0, funcs)
	table, err := Parse(data, 4096)
	require.NoError(t, err)

	hits, misses := table.CacheStats()
	require.Zero(t, hits)
	require.Zero(t, misses)

	_, ok := table.Resolve(0x10)
	require.True(t, ok)
	hits, misses = table.CacheStats()
	require.Zero(t, hits)
	require.EqualValues(t, 1, misses)

	_, ok = table.Resolve(0x10)
	require.True(t, ok)
	hits, misses = table.CacheStats()
	require.EqualValues(t, 1, hits)
	require.EqualValues(t, 1, misses)
}

func TestMultipleFunctionsBinarySearch(t *testing.T) {
	funcs := []testFunc{
		{name: "main.first", pcStartRaw: 0x1000, line: 10, file: "f.go"},
		{name: "main.second", pcStartRaw: 0x2000, line: 20, file: "s.go"},
		{name: "main.third", pcStartRaw: 0x3000, line: 30, file: "t.go"},
	}
	data := buildGopclntab(t, 0xfffffffa, 0, funcs)
	table, err := Parse(data, 0)
	require.NoError(t, err)
	require.Equal(t, 3, table.NumFuncs())

	frame, ok := table.Resolve(0x2500)
	require.True(t, ok)
	require.Equal(t, "main.second", frame.Name)
}

func TestDetectVersionUnrecognizedMagic(t *testing.T) {
	_, err := DetectVersion([]byte{0, 0, 0, 0})
	require.Error(t, err)
}

func TestDetectVersionTooShort(t *testing.T) {
	_, err := DetectVersion([]byte{1, 2})
	require.Error(t, err)
}

func TestLRUEviction(t *testing.T) {
	c := newLRU(2)
	c.put(1, Frame{Name: "a"})
	c.put(2, Frame{Name: "b"})
	c.put(3, Frame{Name: "c"}) // evicts pc=1 (least recently used)

	_, ok := c.get(1)
	require.False(t, ok)
	f, ok := c.get(2)
	require.True(t, ok)
	require.Equal(t, "b", f.Name)
	require.Equal(t, 2, c.len())
}
