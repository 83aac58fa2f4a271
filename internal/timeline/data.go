package timeline

import (
	"encoding/binary"

	"github.com/henhouse/henhouse/pkg/mvec"
)

// dataRecord holds the count accumulated in one bucket plus two running
// sums: integral[i] = sum(value[0..=i]), secondIntegral[i] = sum(value[k]^2
// for k in 0..=i). These make any contiguous-range sum/variance query O(1)
// given the two endpoint records.
type dataRecord struct {
	Value          int64
	Integral       int64
	SecondIntegral int64
}

const dataRecordSize = 24

var dataRecordCodec = mvec.Codec[dataRecord]{
	Size: dataRecordSize,
	Encode: func(r dataRecord, buf []byte) {
		binary.LittleEndian.PutUint64(buf[0:8], uint64(r.Value))
		binary.LittleEndian.PutUint64(buf[8:16], uint64(r.Integral))
		binary.LittleEndian.PutUint64(buf[16:24], uint64(r.SecondIntegral))
	},
	Decode: func(buf []byte) dataRecord {
		return dataRecord{
			Value:          int64(binary.LittleEndian.Uint64(buf[0:8])),
			Integral:       int64(binary.LittleEndian.Uint64(buf[8:16])),
			SecondIntegral: int64(binary.LittleEndian.Uint64(buf[16:24])),
		}
	},
}

// dataHeader is `{size}`.
type dataHeader struct {
	Size uint64
}

func (h dataHeader) GetSize() uint64 { return h.Size }
func (h dataHeader) SetSize(n uint64) dataHeader {
	h.Size = n
	return h
}

const dataHeaderSize = 8

var dataHeaderCodec = mvec.Codec[dataHeader]{
	Size: dataHeaderSize,
	Encode: func(h dataHeader, buf []byte) {
		binary.LittleEndian.PutUint64(buf[0:8], h.Size)
	},
	Decode: func(buf []byte) dataHeader {
		return dataHeader{Size: binary.LittleEndian.Uint64(buf[0:8])}
	},
}

// data wraps a mapped vector of dataRecord. No operations beyond access and
// append are needed at this layer; the running-sum maintenance lives in
// Timeline.Put.
type data struct {
	v *mvec.Vector[dataHeader, dataRecord]
}

func openData(path string) (*data, error) {
	v, err := mvec.Open[dataHeader, dataRecord](path, mvec.Options[dataHeader, dataRecord]{
		HeaderCodec: dataHeaderCodec,
		RecordCodec: dataRecordCodec,
	})
	if err != nil {
		return nil, err
	}

	return &data{v: v}, nil
}

func (d *data) Close() error { return d.v.Close() }

func (d *data) Size() uint64           { return d.v.Size() }
func (d *data) Empty() bool            { return d.v.Empty() }
func (d *data) At(i uint64) dataRecord { return d.v.At(i) }
func (d *data) Front() dataRecord      { return d.v.Front() }
func (d *data) Back() dataRecord       { return d.v.Back() }

func (d *data) Set(i uint64, r dataRecord) { d.v.Set(i, r) }

func (d *data) PushBack(r dataRecord) error {
	return d.v.PushBack(r)
}
