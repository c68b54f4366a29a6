package series

import (
	"fmt"
	"sort"
	"sync"

	flatbuffers "github.com/google/flatbuffers/go"

	"github.com/unijord/xrfstage/pkg/gen/go/fb/scan"
)

var builderPool = sync.Pool{
	New: func() interface{} {
		return flatbuffers.NewBuilder(4096)
	},
}

func encodeBatch(b Batch) []byte {
	builder := builderPool.Get().(*flatbuffers.Builder)
	defer func() {
		builder.Reset()
		builderPool.Put(builder)
	}()

	names := make([]string, 0, len(b.Columns))
	for name := range b.Columns {
		names = append(names, name)
	}
	sort.Strings(names)

	colOffsets := make([]flatbuffers.UOffsetT, len(names))
	for i, name := range names {
		values := b.Columns[name]
		scan.SeriesColumnStartValuesVector(builder, len(values))
		for j := len(values) - 1; j >= 0; j-- {
			builder.PrependFloat64(values[j])
		}
		valuesVec := builder.EndVector(len(values))
		nameOffset := builder.CreateString(name)

		scan.SeriesColumnStart(builder)
		scan.SeriesColumnAddName(builder, nameOffset)
		scan.SeriesColumnAddValues(builder, valuesVec)
		colOffsets[i] = scan.SeriesColumnEnd(builder)
	}

	scan.SeriesBatchStartColumnsVector(builder, len(colOffsets))
	for i := len(colOffsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(colOffsets[i])
	}
	columnsVec := builder.EndVector(len(colOffsets))

	scan.SeriesBatchStartXVector(builder, len(b.X))
	for i := len(b.X) - 1; i >= 0; i-- {
		builder.PrependFloat64(b.X[i])
	}
	xVec := builder.EndVector(len(b.X))

	scan.SeriesBatchStartYVector(builder, len(b.Y))
	for i := len(b.Y) - 1; i >= 0; i-- {
		builder.PrependFloat64(b.Y[i])
	}
	yVec := builder.EndVector(len(b.Y))

	scan.SeriesBatchStart(builder)
	scan.SeriesBatchAddX(builder, xVec)
	scan.SeriesBatchAddY(builder, yVec)
	scan.SeriesBatchAddColumns(builder, columnsVec)
	builder.Finish(scan.SeriesBatchEnd(builder))

	data := builder.FinishedBytes()
	out := make([]byte, len(data))
	copy(out, data)
	return out
}

func decodeBatch(data []byte) (b Batch, err error) {
	if len(data) < flatbuffers.SizeUOffsetT {
		return Batch{}, ErrCorruptRecord
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrCorruptRecord, r)
		}
	}()

	root := scan.GetRootAsSeriesBatch(data, 0)
	b.X = make([]float64, root.XLength())
	for i := range b.X {
		b.X[i] = root.X(i)
	}
	b.Y = make([]float64, root.YLength())
	for i := range b.Y {
		b.Y[i] = root.Y(i)
	}
	b.Columns = make(map[string][]float64, root.ColumnsLength())
	var col scan.SeriesColumn
	for i := 0; i < root.ColumnsLength(); i++ {
		if !root.Columns(&col, i) {
			continue
		}
		values := make([]float64, col.ValuesLength())
		for j := range values {
			values[j] = col.Values(j)
		}
		b.Columns[string(col.Name())] = values
	}
	if err := b.validate(); err != nil {
		return Batch{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return b, nil
}
