package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-steer/internal/steering"
)

const colValue = "value"

// SaveVector writes v as a one-column Arrow IPC file with its layer in the
// schema metadata.
func SaveVector(path string, v steering.Vector) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	md := arrow.NewMetadata([]string{keyLayer}, []string{strconv.Itoa(v.Layer)})
	schema := arrow.NewSchema([]arrow.Field{{Name: colValue, Type: arrow.PrimitiveTypes.Float32}}, &md)

	mem := memory.NewGoAllocator()
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()
	b.Field(0).(*array.Float32Builder).AppendValues(v.Values(), nil)
	rec := b.NewRecord()
	defer rec.Release()

	w, err := ipc.NewFileWriter(f, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err != nil {
		return fmt.Errorf("create arrow writer: %w", err)
	}
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close arrow writer: %w", err)
	}
	return f.Close()
}

// LoadVector reads a steering vector from an Arrow file written by
// SaveVector or from a PyTorch tensor file. layer is used when the file does
// not record one.
func LoadVector(path string, layer int) (steering.Vector, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pt", ".pth":
		values, err := LoadTorch(path)
		if err != nil {
			return steering.Vector{}, err
		}
		f32 := make([]float32, len(values))
		for i, v := range values {
			f32[i] = float32(v)
		}
		return steering.NewVector(f32, layer)
	}

	f, err := os.Open(path)
	if err != nil {
		return steering.Vector{}, err
	}
	defer f.Close()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return steering.Vector{}, fmt.Errorf("open arrow file %s: %w", path, err)
	}
	defer r.Close()

	md := r.Schema().Metadata()
	if i := md.FindKey(keyLayer); i >= 0 {
		if layer, err = strconv.Atoi(md.Values()[i]); err != nil {
			return steering.Vector{}, fmt.Errorf("%w: layer %q", ErrSchema, md.Values()[i])
		}
	}
	idx := r.Schema().FieldIndices(colValue)
	if len(idx) != 1 {
		return steering.Vector{}, fmt.Errorf("%w: want one %q column, got %s", ErrSchema, colValue, r.Schema())
	}

	var values []float32
	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			return steering.Vector{}, fmt.Errorf("read batch %d of %s: %w", i, path, err)
		}
		col, ok := rec.Column(idx[0]).(*array.Float32)
		if !ok {
			return steering.Vector{}, fmt.Errorf("%w: %q is %s", ErrSchema, colValue, rec.Column(idx[0]).DataType())
		}
		values = append(values, col.Float32Values()...)
	}
	return steering.NewVector(values, layer)
}
