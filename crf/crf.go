package crf

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"os"
	"strings"

	"github.com/ulikunitz/xz"
	"github.com/zeebo/blake3"
)

// Persisted model layout, little-endian:
//
//	magic "CRFM" | uint32 version
//	labels:     uint32 count, count × (uint32 len, bytes)
//	attributes: uint32 count, count × (uint32 len, bytes)
//	features:   uint32 count, count × (uint8 kind, uint32 src, uint32 dst)
//	weights:    uint32 count, count × float64 bits
//	BLAKE3-256 digest of everything above
const (
	modelMagic = "CRFM"
	digestSize = 32
)

// FormatVersion is the persisted model format written by MarshalModel.
const FormatVersion = 1

var xzMagic = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}

// MarshalModel serializes the model to its binary form.
func MarshalModel(model *Model) ([]byte, error) {
	feats := make([]Feature, model.Features.Len())
	for i := range feats {
		feats[i] = model.Features.Feature(i)
	}
	return encodeModel(model.Labels.Strings(), model.Attributes.Strings(), feats, model.Weights), nil
}

// MarshalModelCompressed serializes the model and wraps it in an xz stream.
func MarshalModelCompressed(model *Model) ([]byte, error) {
	raw, err := MarshalModel(model)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeModel(labels, attrs []string, feats []Feature, weights []float64) []byte {
	var buf bytes.Buffer
	buf.WriteString(modelMagic)
	putUint32(&buf, FormatVersion)
	putStrings(&buf, labels)
	putStrings(&buf, attrs)
	putUint32(&buf, uint32(len(feats)))
	for _, f := range feats {
		buf.WriteByte(byte(f.Kind))
		putUint32(&buf, uint32(f.Src))
		putUint32(&buf, uint32(f.Dst))
	}
	putUint32(&buf, uint32(len(weights)))
	var b [8]byte
	for _, w := range weights {
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(w))
		buf.Write(b[:])
	}
	sum := blake3.Sum256(buf.Bytes())
	buf.Write(sum[:])
	return buf.Bytes()
}

func putUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func putStrings(buf *bytes.Buffer, ss []string) {
	putUint32(buf, uint32(len(ss)))
	for _, s := range ss {
		putUint32(buf, uint32(len(s)))
		buf.WriteString(s)
	}
}

// UnmarshalModel decodes a model produced by MarshalModel or
// MarshalModelCompressed. Any inconsistency yields a *ModelFormatError.
func UnmarshalModel(data []byte) (*Model, error) {
	if bytes.HasPrefix(data, xzMagic) {
		zr, err := xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, &ModelFormatError{Reason: "xz header", Err: err}
		}
		raw, err := io.ReadAll(zr)
		if err != nil {
			return nil, &ModelFormatError{Reason: "xz stream", Err: err}
		}
		data = raw
	}

	d := decoder{data: data}
	if string(d.take(len(modelMagic))) != modelMagic || d.err != nil {
		return nil, formatErrorf("bad magic")
	}
	if v := d.u32(); d.err == nil && v != FormatVersion {
		return nil, formatErrorf("unsupported format version %d, want %d", v, FormatVersion)
	}

	labels, err := d.alphabet("label")
	if err != nil {
		return nil, err
	}
	attrs, err := d.alphabet("attribute")
	if err != nil {
		return nil, err
	}

	nf := int(d.u32())
	if d.err == nil && nf > d.remaining()/9 {
		return nil, formatErrorf("truncated feature table")
	}
	fs := NewFeatureSpace()
	for i := 0; i < nf && d.err == nil; i++ {
		kind := FeatureKind(d.u8())
		src, dst := int(d.u32()), int(d.u32())
		if d.err != nil {
			break
		}
		switch kind {
		case StateFeature:
			if src >= attrs.Size() || dst >= labels.Size() {
				return nil, formatErrorf("feature %d references unknown attribute or label", i)
			}
		case TransitionFeature:
			if src >= labels.Size() || dst >= labels.Size() {
				return nil, formatErrorf("feature %d references unknown label", i)
			}
		default:
			return nil, formatErrorf("feature %d has unknown kind %d", i, kind)
		}
		if id := fs.Register(kind, src, dst); id != i {
			return nil, formatErrorf("duplicate feature id: feature %d repeats feature %d", i, id)
		}
	}

	nw := int(d.u32())
	if d.err == nil && nw != nf {
		return nil, formatErrorf("weight count %d does not match %d features", nw, nf)
	}
	if d.err == nil && nw > d.remaining()/8 {
		return nil, formatErrorf("truncated weight array")
	}
	weights := make([]float64, 0, nw)
	for i := 0; i < nw && d.err == nil; i++ {
		weights = append(weights, math.Float64frombits(d.u64()))
	}
	if d.err != nil {
		return nil, formatErrorf("truncated model")
	}

	body := d.off
	want := d.take(digestSize)
	if d.err != nil {
		return nil, formatErrorf("missing checksum")
	}
	if d.remaining() != 0 {
		return nil, formatErrorf("%d bytes of trailing data", d.remaining())
	}
	if sum := blake3.Sum256(data[:body]); !bytes.Equal(sum[:], want) {
		return nil, formatErrorf("checksum mismatch")
	}

	return NewModel(labels, attrs, fs, weights)
}

// decoder reads little-endian values and latches the first short read.
type decoder struct {
	data []byte
	off  int
	err  error
}

func (d *decoder) remaining() int { return len(d.data) - d.off }

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.remaining() < n {
		d.err = io.ErrUnexpectedEOF
		return nil
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) u8() byte {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if b := d.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (d *decoder) alphabet(what string) (*Alphabet, error) {
	n := int(d.u32())
	if d.err != nil || n > d.remaining()/4 {
		return nil, formatErrorf("truncated %s dictionary", what)
	}
	a := NewAlphabet()
	for i := range n {
		s := string(d.take(int(d.u32())))
		if d.err != nil {
			return nil, formatErrorf("truncated %s dictionary", what)
		}
		if a.Add(s) != i {
			return nil, formatErrorf("duplicate %s %q", what, s)
		}
	}
	return a, nil
}

// SaveModel writes the model to path. Paths ending in ".xz" are compressed.
func SaveModel(model *Model, path string) error {
	marshal := MarshalModel
	if strings.HasSuffix(path, ".xz") {
		marshal = MarshalModelCompressed
	}
	data, err := marshal(model)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// LoadModel reads a model written by SaveModel.
func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return UnmarshalModel(data)
}
