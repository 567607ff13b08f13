package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/shard-recovery/pkg/types"
)

// ============================================================================
// Service definition
// ============================================================================

const (
	ServiceName      = "shardrecovery.v1.Heartbeat"
	reportMethodName = "Report"
	reportFullMethod = "/" + ServiceName + "/" + reportMethodName
)

// ErrUnknownJob is returned by a Sink for heartbeats of jobs it does not run.
var ErrUnknownJob = errors.New("heartbeat for unknown job")

// Sink receives decoded heartbeats. jobmanager.Manager implements it.
type Sink interface {
	Record(jobID string, rank int, rec types.HeartbeatRecord) error
}

// reportServer is the handler type checked by grpc.Server.RegisterService.
type reportServer interface {
	Report(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*reportServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: reportMethodName,
			Handler:    reportHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "shardrecovery/v1/heartbeat.proto",
}

func reportHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(reportServer).Report(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: reportFullMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(reportServer).Report(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// ============================================================================
// Wire format
// ============================================================================

// Encode converts a record to its wire message.
func Encode(rec types.HeartbeatRecord) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"job_id":      rec.JobID,
		"rank":        rec.Rank,
		"attempt":     rec.Attempt,
		"timestamp":   rec.Timestamp.UTC().Format(time.RFC3339Nano),
		"step":        rec.Step,
		"shard_index": rec.ShardIndex,
		"line_index":  rec.LineIndex,
		"done":        rec.Done,
	})
}

// Decode converts a wire message back to a record.
func Decode(in *structpb.Struct) (types.HeartbeatRecord, error) {
	var rec types.HeartbeatRecord
	f := in.GetFields()
	if f == nil {
		return rec, errors.New("empty heartbeat")
	}
	rec.JobID = f["job_id"].GetStringValue()
	if rec.JobID == "" {
		return rec, errors.New("heartbeat without job_id")
	}
	rank, ok := f["rank"]
	if !ok {
		return rec, errors.New("heartbeat without rank")
	}
	rec.Rank = int(rank.GetNumberValue())
	rec.Attempt = int(f["attempt"].GetNumberValue())
	rec.Step = int(f["step"].GetNumberValue())
	rec.ShardIndex = int(f["shard_index"].GetNumberValue())
	rec.LineIndex = int(f["line_index"].GetNumberValue())
	rec.Done = f["done"].GetBoolValue()
	if ts := f["timestamp"].GetStringValue(); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return rec, fmt.Errorf("heartbeat timestamp: %w", err)
		}
		rec.Timestamp = t
	}
	return rec, nil
}

// ============================================================================
// Server
// ============================================================================

// Server accepts heartbeats over gRPC and forwards them to a Sink.
type Server struct {
	sink Sink
	log  *slog.Logger
}

// NewServer returns a server forwarding to sink.
func NewServer(sink Sink, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{sink: sink, log: logger}
}

// Register attaches the service to r.
func (s *Server) Register(r grpc.ServiceRegistrar) {
	r.RegisterService(&serviceDesc, s)
}

// Report handles one heartbeat.
func (s *Server) Report(_ context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	rec, err := Decode(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.sink.Record(rec.JobID, rec.Rank, rec); err != nil {
		switch {
		case errors.Is(err, ErrUnknownJob):
			return nil, status.Error(codes.NotFound, err.Error())
		case errors.Is(err, ErrStaleAttempt):
			s.log.Debug("heartbeat of superseded attempt", "job", rec.JobID, "rank", rec.Rank, "attempt", rec.Attempt)
			return nil, status.Error(codes.FailedPrecondition, err.Error())
		}
		s.log.Warn("heartbeat rejected", "job", rec.JobID, "rank", rec.Rank, "error", err)
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &emptypb.Empty{}, nil
}

// ============================================================================
// Client
// ============================================================================

// Reporter sends heartbeats to a coordinator.
type Reporter struct {
	conn grpc.ClientConnInterface
}

// NewReporter wraps an established connection.
func NewReporter(conn grpc.ClientConnInterface) *Reporter {
	return &Reporter{conn: conn}
}

// Dial opens a plaintext connection to the coordinator's heartbeat endpoint.
func Dial(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial heartbeat endpoint %s: %w", addr, err)
	}
	return conn, nil
}

// Report sends one record. A rejection of a superseded attempt is returned
// as ErrStaleAttempt.
func (r *Reporter) Report(ctx context.Context, rec types.HeartbeatRecord) error {
	in, err := Encode(rec)
	if err != nil {
		return fmt.Errorf("encode heartbeat: %w", err)
	}
	out := new(emptypb.Empty)
	if err := r.conn.Invoke(ctx, reportFullMethod, in, out); err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == codes.FailedPrecondition {
			return fmt.Errorf("%w: %s", ErrStaleAttempt, st.Message())
		}
		return fmt.Errorf("rpc report failed: %w", err)
	}
	return nil
}
