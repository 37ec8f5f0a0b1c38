package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-steer/internal/logger"
	"github.com/23skdu/longbow-steer/internal/metrics"
)

// DescriptorRoot is the first path element of every likelihood flight.
const DescriptorRoot = "likelihoods"

var ErrNotConnected = errors.New("flight client not connected")

// FlightSink streams likelihood records to an Arrow Flight DoPut endpoint.
type FlightSink struct {
	addr    string
	timeout time.Duration
	client  flight.Client
}

func NewFlightSink(addr string) *FlightSink {
	return &FlightSink{addr: addr, timeout: 30 * time.Second}
}

// Connect dials the endpoint without TLS.
func (s *FlightSink) Connect(ctx context.Context) error {
	client, err := flight.NewClientWithMiddleware(s.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	s.client = client
	return nil
}

func (s *FlightSink) Close() error {
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

// Put sends r as one flight under the path likelihoods/<condition>.
func (s *FlightSink) Put(ctx context.Context, r Records) error {
	if s.client == nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stream, err := s.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("failed to open DoPut stream: %w", err)
	}

	mem := memory.NewGoAllocator()
	rec := r.NewRecord(mem)
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	w.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{DescriptorRoot, r.Meta.Condition},
	})
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close stream: %w", err)
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("DoPut failed: %w", err)
		}
	}

	metrics.RecordRecordsWritten("flight", len(r.Values))
	logger.Component("flight").Info("Sent likelihoods",
		"addr", s.addr, "condition", r.Meta.Condition, "count", len(r.Values), "run_id", r.Meta.RunID)
	return nil
}

// FlightReceiver is a Flight service accepting likelihood records over
// DoPut. When dir is set each flight is also written there as
// <run_id>_<condition>.arrow.
type FlightReceiver struct {
	flight.BaseFlightServer

	dir string
	srv flight.Server

	mu       sync.Mutex
	received []Records
}

func NewFlightReceiver(dir string) *FlightReceiver {
	return &FlightReceiver{dir: dir}
}

func (r *FlightReceiver) DoPut(stream flight.FlightService_DoPutServer) error {
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return fmt.Errorf("failed to open record reader: %w", err)
	}
	defer rdr.Release()

	meta, err := metaFromArrow(rdr.Schema().Metadata())
	if err != nil {
		return err
	}
	var values []float64
	for rdr.Next() {
		if values, err = appendRecord(values, rdr.Record()); err != nil {
			return err
		}
	}
	if err := rdr.Err(); err != nil {
		return fmt.Errorf("failed to read flight: %w", err)
	}

	rec := Records{Meta: meta, Values: values}
	if r.dir != "" {
		name := fmt.Sprintf("%s_%s.arrow", meta.RunID, meta.Condition)
		if err := SaveRecords(filepath.Join(r.dir, name), rec); err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.received = append(r.received, rec)
	r.mu.Unlock()

	logger.Component("flight").Info("Received likelihoods",
		"condition", meta.Condition, "count", len(values), "run_id", meta.RunID)
	return stream.Send(&flight.PutResult{AppMetadata: []byte(meta.RunID)})
}

// Received returns the records accepted so far in arrival order.
func (r *FlightReceiver) Received() []Records {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Records(nil), r.received...)
}

// Listen binds addr and registers the service; Serve starts accepting.
func (r *FlightReceiver) Listen(addr string) (net.Addr, error) {
	r.srv = flight.NewServerWithMiddleware(nil)
	if err := r.srv.Init(addr); err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	r.srv.RegisterFlightService(r)
	return r.srv.Addr(), nil
}

// Serve blocks until Shutdown.
func (r *FlightReceiver) Serve() error {
	if r.srv == nil {
		return fmt.Errorf("flight receiver not listening")
	}
	return r.srv.Serve()
}

func (r *FlightReceiver) Shutdown() {
	if r.srv != nil {
		r.srv.Shutdown()
	}
}
