package api

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/VanDung-dev/HieraChain-Swarm/consensus"
	"github.com/VanDung-dev/HieraChain-Swarm/logger"
	"github.com/VanDung-dev/HieraChain-Swarm/network"
	"github.com/VanDung-dev/HieraChain-Swarm/statesync"
)

// Version is the current version of HieraChain-Swarm.
const Version = "0.1.0"

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "hierachain.swarm.v1.SwarmService"

// SwarmServiceServer is the server API for SwarmService.
type SwarmServiceServer interface {
	RequestConsensus(context.Context, *ConsensusRequest) (*ConsensusResponse, error)
	SynchronizeState(context.Context, *SyncRequest) (*SyncResponse, error)
	UpdateState(context.Context, *UpdateStateRequest) (*StateResponse, error)
	GetState(context.Context, *GetStateRequest) (*StateResponse, error)
	DeltaSync(context.Context, *DeltaSyncRequest) (*DeltaSyncResponse, error)
	ClearState(context.Context, *ClearStateRequest) (*ClearStateResponse, error)
	GetStats(context.Context, *Empty) (*StatsResponse, error)
	HealthCheck(context.Context, *Empty) (*HealthResponse, error)
}

func unaryHandler[Req, Resp any](method string, call func(SwarmServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(SwarmServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + ServiceName + "/" + method,
		}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(SwarmServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var swarmServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SwarmServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestConsensus", Handler: unaryHandler("RequestConsensus", SwarmServiceServer.RequestConsensus)},
		{MethodName: "SynchronizeState", Handler: unaryHandler("SynchronizeState", SwarmServiceServer.SynchronizeState)},
		{MethodName: "UpdateState", Handler: unaryHandler("UpdateState", SwarmServiceServer.UpdateState)},
		{MethodName: "GetState", Handler: unaryHandler("GetState", SwarmServiceServer.GetState)},
		{MethodName: "DeltaSync", Handler: unaryHandler("DeltaSync", SwarmServiceServer.DeltaSync)},
		{MethodName: "ClearState", Handler: unaryHandler("ClearState", SwarmServiceServer.ClearState)},
		{MethodName: "GetStats", Handler: unaryHandler("GetStats", SwarmServiceServer.GetStats)},
		{MethodName: "HealthCheck", Handler: unaryHandler("HealthCheck", SwarmServiceServer.HealthCheck)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "hierachain/swarm/v1/swarm.proto",
}

// RegisterSwarmServiceServer registers srv with s.
func RegisterSwarmServiceServer(s grpc.ServiceRegistrar, srv SwarmServiceServer) {
	s.RegisterService(&swarmServiceDesc, srv)
}

// ServerConfig holds configuration for the gRPC server.
type ServerConfig struct {
	// Address to listen on (e.g., ":50051")
	Address string

	// MaxRecvMsgSize is the maximum message size in bytes
	MaxRecvMsgSize int

	// MaxSendMsgSize is the maximum message size in bytes
	MaxSendMsgSize int

	// AuthToken, when set, is required as a bearer token on every call but HealthCheck
	AuthToken string
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Address:        ":50051",
		MaxRecvMsgSize: 16 * 1024 * 1024, // 16MB
		MaxSendMsgSize: 16 * 1024 * 1024, // 16MB
	}
}

// Server implements SwarmService on top of a Backend.
type Server struct {
	backend Backend
	metrics *Metrics
	config  *ServerConfig
	log     *zap.SugaredLogger

	grpcServer *grpc.Server
	listener   net.Listener
	startTime  time.Time

	running bool
	mu      sync.RWMutex
}

var _ SwarmServiceServer = (*Server)(nil)

// NewServer creates a new gRPC server. metrics may be nil.
func NewServer(backend Backend, metrics *Metrics, config *ServerConfig) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}

	s := &Server{
		backend:   backend,
		metrics:   metrics,
		config:    config,
		log:       logger.NewLogger("gRPC"),
		startTime: time.Now(),
	}
	s.grpcServer = grpc.NewServer(
		grpc.MaxRecvMsgSize(config.MaxRecvMsgSize),
		grpc.MaxSendMsgSize(config.MaxSendMsgSize),
		grpc.ChainUnaryInterceptor(s.observe, NewAuthenticator(config.AuthToken).UnaryInterceptor),
	)
	RegisterSwarmServiceServer(s.grpcServer, s)
	return s
}

func (s *Server) observe(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)
	if s.metrics != nil {
		s.metrics.RecordGRPCRequest(info.FullMethod, code.String(), time.Since(start))
	}
	if err != nil && code == codes.Internal {
		s.log.Warnf("%s failed: %v", info.FullMethod, err)
	}
	return resp, err
}

// Serve serves on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server is already running")
	}
	s.listener = lis
	s.running = true
	s.startTime = time.Now()
	s.mu.Unlock()

	s.log.Infof("serving %s on %s", ServiceName, lis.Addr())
	return s.grpcServer.Serve(lis)
}

// StartAsync listens on the configured address and serves in the background.
func (s *Server) StartAsync() error {
	lis, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", s.config.Address)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Serve(lis)
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(50 * time.Millisecond):
		return nil
	}
}

// Stop gracefully stops the gRPC server.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	s.grpcServer.GracefulStop()
}

// RequestConsensus runs a consensus round through the backend.
func (s *Server) RequestConsensus(ctx context.Context, req *ConsensusRequest) (*ConsensusResponse, error) {
	if req.SwarmID == "" {
		return nil, status.Error(codes.InvalidArgument, "swarm_id is required")
	}

	var opts []consensus.RequestOption
	if req.Algorithm != "" {
		opts = append(opts, consensus.WithAlgorithm(req.Algorithm))
	}
	if req.TimeoutMs > 0 {
		opts = append(opts, consensus.WithTimeout(time.Duration(req.TimeoutMs)*time.Millisecond))
	}

	r, err := s.backend.RequestConsensus(ctx, req.SwarmID, req.Payload, opts...)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ConsensusResponse{Result: r}, nil
}

// SynchronizeState runs a full synchronization of one key.
func (s *Server) SynchronizeState(ctx context.Context, req *SyncRequest) (*SyncResponse, error) {
	if req.SwarmID == "" || req.Key == "" {
		return nil, status.Error(codes.InvalidArgument, "swarm_id and key are required")
	}

	ok, err := s.backend.SynchronizeState(ctx, req.SwarmID, req.Key, time.Duration(req.TimeoutMs)*time.Millisecond)
	if err != nil {
		return nil, toStatus(err)
	}

	resp := &SyncResponse{Synchronized: ok}
	if ok {
		sv, found, err := s.backend.GetState(ctx, req.SwarmID, req.Key)
		if err != nil {
			return nil, toStatus(err)
		}
		if found {
			resp.State = &sv
		}
	}
	return resp, nil
}

// UpdateState writes a local value.
func (s *Server) UpdateState(ctx context.Context, req *UpdateStateRequest) (*StateResponse, error) {
	if req.SwarmID == "" || req.Key == "" {
		return nil, status.Error(codes.InvalidArgument, "swarm_id and key are required")
	}

	sv, err := s.backend.UpdateState(ctx, req.SwarmID, req.Key, req.Value, req.Metadata)
	if err != nil {
		return nil, toStatus(err)
	}
	return &StateResponse{Found: true, State: &sv}, nil
}

// GetState returns the stored version of a key.
func (s *Server) GetState(ctx context.Context, req *GetStateRequest) (*StateResponse, error) {
	sv, found, err := s.backend.GetState(ctx, req.SwarmID, req.Key)
	if err != nil {
		return nil, toStatus(err)
	}
	if !found {
		return &StateResponse{}, nil
	}
	return &StateResponse{Found: true, State: &sv}, nil
}

// DeltaSync returns every version newer than the watermark.
func (s *Server) DeltaSync(ctx context.Context, req *DeltaSyncRequest) (*DeltaSyncResponse, error) {
	states, err := s.backend.DeltaSync(ctx, req.SwarmID, req.SinceVersion)
	if err != nil {
		return nil, toStatus(err)
	}
	return &DeltaSyncResponse{States: states}, nil
}

// ClearState deletes one key or a whole swarm namespace.
func (s *Server) ClearState(ctx context.Context, req *ClearStateRequest) (*ClearStateResponse, error) {
	if req.SwarmID == "" {
		return nil, status.Error(codes.InvalidArgument, "swarm_id is required")
	}

	ok, err := s.backend.ClearState(ctx, req.SwarmID, req.Key)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ClearStateResponse{Cleared: ok}, nil
}

// GetStats returns consensus statistics.
func (s *Server) GetStats(_ context.Context, _ *Empty) (*StatsResponse, error) {
	return &StatsResponse{
		NodeID:    s.backend.NodeID(),
		Consensus: s.backend.Stats(),
	}, nil
}

// HealthCheck returns the health status of the agent.
func (s *Server) HealthCheck(_ context.Context, _ *Empty) (*HealthResponse, error) {
	s.mu.RLock()
	running := s.running
	startTime := s.startTime
	s.mu.RUnlock()

	return &HealthResponse{
		Healthy:       running,
		Version:       Version,
		NodeID:        s.backend.NodeID(),
		UptimeSeconds: int64(time.Since(startTime).Seconds()),
	}, nil
}

// toStatus maps domain errors to gRPC status codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, consensus.ErrUnknownAlgorithm):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, consensus.ErrInvalidParticipantCount),
		errors.Is(err, statesync.ErrUnsupportedCRDTType):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, consensus.ErrInvalidVote),
		errors.Is(err, consensus.ErrInvalidConfig),
		errors.Is(err, consensus.ErrInvalidThreshold),
		errors.Is(err, statesync.ErrInvalidValue),
		errors.Is(err, network.ErrMissingSwarm):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, network.ErrNodeNotRunning):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
