// Package store persists likelihood records and steering vectors as Arrow IPC
// files, reads PyTorch tensor files, and streams records to an Arrow Flight
// endpoint.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"

	"github.com/23skdu/longbow-steer/internal/metrics"
)

var ErrSchema = errors.New("unexpected arrow schema")

const (
	colExample    = "example"
	colLikelihood = "likelihood"

	keyRunID     = "run_id"
	keyCondition = "condition"
	keyModel     = "model"
	keyCoef      = "coef"
	keyLayer     = "layer"
	keySeed      = "seed"
	keyCreated   = "created_at"
)

// RecordMeta describes how a likelihood array was produced.
type RecordMeta struct {
	RunID     string
	Condition string
	Model     string
	Coef      float32
	Layer     int
	Seed      int64
	CreatedAt time.Time
}

// Records is one likelihood value per example, in example order.
type Records struct {
	Meta   RecordMeta
	Values []float64
}

func NewRunID() string {
	return uuid.NewString()
}

func (m RecordMeta) arrowMetadata() arrow.Metadata {
	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return arrow.NewMetadata(
		[]string{keyRunID, keyCondition, keyModel, keyCoef, keyLayer, keySeed, keyCreated},
		[]string{
			m.RunID,
			m.Condition,
			m.Model,
			strconv.FormatFloat(float64(m.Coef), 'g', -1, 32),
			strconv.Itoa(m.Layer),
			strconv.FormatInt(m.Seed, 10),
			created.Format(time.RFC3339Nano),
		},
	)
}

func metaFromArrow(md arrow.Metadata) (RecordMeta, error) {
	get := func(key string) string {
		if i := md.FindKey(key); i >= 0 {
			return md.Values()[i]
		}
		return ""
	}
	m := RecordMeta{
		RunID:     get(keyRunID),
		Condition: get(keyCondition),
		Model:     get(keyModel),
	}
	if s := get(keyCoef); s != "" {
		v, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return m, fmt.Errorf("%w: coef %q", ErrSchema, s)
		}
		m.Coef = float32(v)
	}
	if s := get(keyLayer); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil {
			return m, fmt.Errorf("%w: layer %q", ErrSchema, s)
		}
		m.Layer = v
	}
	if s := get(keySeed); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return m, fmt.Errorf("%w: seed %q", ErrSchema, s)
		}
		m.Seed = v
	}
	if s := get(keyCreated); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return m, fmt.Errorf("%w: created_at %q", ErrSchema, s)
		}
		m.CreatedAt = t
	}
	return m, nil
}

func recordSchema(meta RecordMeta) *arrow.Schema {
	md := meta.arrowMetadata()
	return arrow.NewSchema([]arrow.Field{
		{Name: colExample, Type: arrow.PrimitiveTypes.Int64},
		{Name: colLikelihood, Type: arrow.PrimitiveTypes.Float64},
	}, &md)
}

// NewRecord builds the Arrow record for r. The caller releases it.
func (r Records) NewRecord(mem memory.Allocator) arrow.Record {
	b := array.NewRecordBuilder(mem, recordSchema(r.Meta))
	defer b.Release()

	examples := b.Field(0).(*array.Int64Builder)
	likelihoods := b.Field(1).(*array.Float64Builder)
	examples.Reserve(len(r.Values))
	likelihoods.Reserve(len(r.Values))
	for i, v := range r.Values {
		examples.Append(int64(i))
		likelihoods.Append(v)
	}
	return b.NewRecord()
}

// appendRecord adds the likelihood column of rec to values, checking that
// example indices continue where values ends.
func appendRecord(values []float64, rec arrow.Record) ([]float64, error) {
	schema := rec.Schema()
	ei := schema.FieldIndices(colExample)
	li := schema.FieldIndices(colLikelihood)
	if len(ei) != 1 || len(li) != 1 {
		return nil, fmt.Errorf("%w: want %q and %q columns, got %s", ErrSchema, colExample, colLikelihood, schema)
	}
	examples, ok := rec.Column(ei[0]).(*array.Int64)
	if !ok {
		return nil, fmt.Errorf("%w: %q is %s", ErrSchema, colExample, rec.Column(ei[0]).DataType())
	}
	likelihoods, ok := rec.Column(li[0]).(*array.Float64)
	if !ok {
		return nil, fmt.Errorf("%w: %q is %s", ErrSchema, colLikelihood, rec.Column(li[0]).DataType())
	}
	for i := 0; i < likelihoods.Len(); i++ {
		if got, want := examples.Value(i), int64(len(values)); got != want {
			return nil, fmt.Errorf("%w: example index %d at row %d, want %d", ErrSchema, got, len(values), want)
		}
		values = append(values, likelihoods.Value(i))
	}
	return values, nil
}

// SaveRecords writes r as a single-batch Arrow IPC file, creating parent
// directories as needed.
func SaveRecords(path string, r Records) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	mem := memory.NewGoAllocator()
	rec := r.NewRecord(mem)
	defer rec.Release()

	w, err := ipc.NewFileWriter(f, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
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
	metrics.RecordRecordsWritten("arrow", len(r.Values))
	return f.Close()
}

// LoadRecords reads an Arrow IPC file written by SaveRecords, or a 1-D
// PyTorch tensor file (.pt, .pth) holding the values alone.
func LoadRecords(path string) (Records, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pt", ".pth":
		values, err := LoadTorch(path)
		if err != nil {
			return Records{}, err
		}
		return Records{Values: values}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return Records{}, err
	}
	defer f.Close()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return Records{}, fmt.Errorf("open arrow file %s: %w", path, err)
	}
	defer r.Close()

	meta, err := metaFromArrow(r.Schema().Metadata())
	if err != nil {
		return Records{}, err
	}
	out := Records{Meta: meta}
	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			return Records{}, fmt.Errorf("read batch %d of %s: %w", i, path, err)
		}
		if out.Values, err = appendRecord(out.Values, rec); err != nil {
			return Records{}, err
		}
	}
	return out, nil
}
