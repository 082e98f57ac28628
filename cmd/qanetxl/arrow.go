package main

import (
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-qanetxl/internal/reader"
)

const arrowStreamMIME = "application/vnd.apache.arrow.stream"

var scoreSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: "segment", Type: arrow.PrimitiveTypes.Int32},
		{Name: "position", Type: arrow.PrimitiveTypes.Int32},
		{Name: "token", Type: arrow.BinaryTypes.String},
		{Name: "start_log_prob", Type: arrow.PrimitiveTypes.Float32},
		{Name: "end_log_prob", Type: arrow.PrimitiveTypes.Float32},
	},
	nil,
)

// writeSegments streams one record batch per segment.
func writeSegments(w io.Writer, segs []reader.Segment) error {
	pool := memory.NewGoAllocator()
	writer := ipc.NewWriter(w, ipc.WithSchema(scoreSchema), ipc.WithAllocator(pool))
	for _, seg := range segs {
		rec := segmentRecord(pool, seg)
		err := writer.Write(rec)
		rec.Release()
		if err != nil {
			_ = writer.Close()
			return err
		}
	}
	return writer.Close()
}

func segmentRecord(pool memory.Allocator, seg reader.Segment) arrow.RecordBatch {
	segB := array.NewInt32Builder(pool)
	defer segB.Release()
	posB := array.NewInt32Builder(pool)
	defer posB.Release()
	tokB := array.NewStringBuilder(pool)
	defer tokB.Release()
	startB := array.NewFloat32Builder(pool)
	defer startB.Release()
	endB := array.NewFloat32Builder(pool)
	defer endB.Release()

	for i, tok := range seg.Tokens {
		segB.Append(int32(seg.Index))
		posB.Append(int32(seg.Offset + i))
		tokB.Append(tok.Text)
	}
	startB.AppendValues(seg.Start, nil)
	endB.AppendValues(seg.End, nil)

	cols := []arrow.Array{segB.NewArray(), posB.NewArray(), tokB.NewArray(), startB.NewArray(), endB.NewArray()}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	return array.NewRecordBatch(scoreSchema, cols, int64(len(seg.Tokens)))
}
