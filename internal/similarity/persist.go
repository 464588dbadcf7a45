package similarity

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// File format: bubblescope similarity matrix v1
// Header: magic(8) + version(4) + seed(8) + sampleCap(8) + population(8) + evaluated(8) + flags(1)
// Users: count(4) + per user: len(4) + bytes
// Entries: count(4) + per entry: a(4) + b(4) + score(8, float64 bits)
//
// Scores are stored as float64 so a reload reproduces the exact pair -> score
// mapping. A loaded matrix reports Origin == OriginCache.

const magic = "BSSIMM01"

const (
	flagExhaustive = 1 << iota
	flagClamped
)

// WriteTo encodes the matrix.
func (m *Matrix) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	cw := &countWriter{w: bw}

	if _, err := cw.Write([]byte(magic)); err != nil {
		return cw.n, err
	}
	var flags uint8
	if m.Meta.Exhaustive {
		flags |= flagExhaustive
	}
	if m.Meta.Clamped {
		flags |= flagClamped
	}
	header := []any{
		int32(1), // version
		m.Meta.Seed,
		int64(m.Meta.SampleCap),
		int64(m.Meta.Population),
		int64(m.Meta.Evaluated),
		flags,
	}
	for _, v := range header {
		if err := binary.Write(cw, binary.LittleEndian, v); err != nil {
			return cw.n, err
		}
	}

	if err := writeInt32(cw, int32(len(m.users))); err != nil {
		return cw.n, err
	}
	for _, u := range m.users {
		if err := writeInt32(cw, int32(len(u))); err != nil {
			return cw.n, err
		}
		if _, err := cw.Write([]byte(u)); err != nil {
			return cw.n, err
		}
	}

	if err := writeInt32(cw, int32(len(m.entries))); err != nil {
		return cw.n, err
	}
	for _, e := range m.entries {
		if err := writeInt32(cw, e.a); err != nil {
			return cw.n, err
		}
		if err := writeInt32(cw, e.b); err != nil {
			return cw.n, err
		}
		if err := binary.Write(cw, binary.LittleEndian, math.Float64bits(e.score)); err != nil {
			return cw.n, err
		}
	}

	return cw.n, bw.Flush()
}

// ReadMatrix decodes a matrix written by WriteTo.
func ReadMatrix(r io.Reader) (*Matrix, error) {
	br := bufio.NewReader(r)

	magicBuf := make([]byte, len(magic))
	if _, err := io.ReadFull(br, magicBuf); err != nil {
		return nil, fmt.Errorf("reading magic: %w", err)
	}
	if string(magicBuf) != magic {
		return nil, fmt.Errorf("invalid magic: %q (expected %q)", string(magicBuf), magic)
	}

	version, err := readInt32(br)
	if err != nil {
		return nil, fmt.Errorf("reading version: %w", err)
	}
	if version != 1 {
		return nil, fmt.Errorf("unsupported version: %d", version)
	}

	var (
		seed                             uint64
		sampleCap, population, evaluated int64
		flags                            uint8
	)
	for _, v := range []any{&seed, &sampleCap, &population, &evaluated, &flags} {
		if err := binary.Read(br, binary.LittleEndian, v); err != nil {
			return nil, fmt.Errorf("reading header: %w", err)
		}
	}

	userCount, err := readInt32(br)
	if err != nil {
		return nil, fmt.Errorf("reading user count: %w", err)
	}
	if userCount < 0 {
		return nil, fmt.Errorf("invalid user count: %d", userCount)
	}
	users := make([]string, userCount)
	for i := range users {
		n, err := readInt32(br)
		if err != nil {
			return nil, fmt.Errorf("reading user %d length: %w", i, err)
		}
		if n < 0 {
			return nil, fmt.Errorf("invalid user %d length: %d", i, n)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, fmt.Errorf("reading user %d: %w", i, err)
		}
		users[i] = string(buf)
	}

	entryCount, err := readInt32(br)
	if err != nil {
		return nil, fmt.Errorf("reading entry count: %w", err)
	}
	if entryCount < 0 {
		return nil, fmt.Errorf("invalid entry count: %d", entryCount)
	}

	m := newMatrix(int(entryCount))
	for _, u := range users {
		m.handle(u)
	}
	for i := int32(0); i < entryCount; i++ {
		a, err := readInt32(br)
		if err != nil {
			return nil, fmt.Errorf("reading entry %d: %w", i, err)
		}
		b, err := readInt32(br)
		if err != nil {
			return nil, fmt.Errorf("reading entry %d: %w", i, err)
		}
		var bits uint64
		if err := binary.Read(br, binary.LittleEndian, &bits); err != nil {
			return nil, fmt.Errorf("reading entry %d score: %w", i, err)
		}
		if a < 0 || b < 0 || a >= userCount || b >= userCount {
			return nil, fmt.Errorf("entry %d references unknown user", i)
		}
		m.set(users[a], users[b], math.Float64frombits(bits))
	}

	m.Meta = Meta{
		Seed:       seed,
		SampleCap:  int(sampleCap),
		Population: int(population),
		Evaluated:  int(evaluated),
		Exhaustive: flags&flagExhaustive != 0,
		Clamped:    flags&flagClamped != 0,
		Origin:     OriginCache,
	}
	return m, nil
}

// Binary helpers

type countWriter struct {
	w io.Writer
	n int64
}

func (cw *countWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

func writeInt32(w io.Writer, v int32) error {
	return binary.Write(w, binary.LittleEndian, v)
}

func readInt32(r io.Reader) (int32, error) {
	var v int32
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}
