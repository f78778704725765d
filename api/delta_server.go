package api

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/VanDung-dev/HieraChain-Swarm/data"
	"github.com/VanDung-dev/HieraChain-Swarm/logger"
	"github.com/VanDung-dev/HieraChain-Swarm/statesync"
)

// DeltaServer answers framed delta sync requests with Arrow IPC streams. It lets a
// reconnecting participant catch up without going through gRPC JSON.
type DeltaServer struct {
	source    DeltaSyncer
	converter *data.Converter
	log       *zap.SugaredLogger

	listener net.Listener
	conns    map[net.Conn]struct{}
	running  bool
	mu       sync.Mutex
	quit     chan struct{}
	wg       sync.WaitGroup
}

// NewDeltaServer creates a delta server reading from source.
func NewDeltaServer(source DeltaSyncer) *DeltaServer {
	return &DeltaServer{
		source:    source,
		converter: data.NewConverter(),
		log:       logger.NewLogger("DeltaServer"),
		conns:     make(map[net.Conn]struct{}),
		quit:      make(chan struct{}),
	}
}

// StartAsync listens on address and serves in a background goroutine.
func (s *DeltaServer) StartAsync(address string) error {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", address)
	}
	return s.Serve(lis)
}

// Serve accepts connections on lis in a background goroutine.
func (s *DeltaServer) Serve(lis net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("server is already running")
	}
	s.listener = lis
	s.running = true

	s.wg.Add(1)
	go s.acceptLoop(lis)
	s.log.Infof("serving delta sync on %s", lis.Addr())
	return nil
}

// Addr returns the listening address, nil before Serve.
func (s *DeltaServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *DeltaServer) acceptLoop(lis net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				s.log.Debugf("accept failed: %v", err)
				time.Sleep(10 * time.Millisecond)
				continue
			}
		}
		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()
		go s.handleConnection(conn)
	}
}

// Stop closes the listener and every open connection, then waits for handlers to exit.
func (s *DeltaServer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.quit)
	if err := s.listener.Close(); err != nil {
		s.log.Debugf("closing listener: %v", err)
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *DeltaServer) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {

		_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		frame, err := ReadMessage(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debugf("reading from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}

		if err := WriteMessage(conn, s.process(frame)); err != nil {
			s.log.Debugf("writing to %s: %v", conn.RemoteAddr(), err)
			return
		}
	}
}

func (s *DeltaServer) process(frame []byte) []byte {
	var req deltaRequest
	if err := json.Unmarshal(frame, &req); err != nil {
		return errorFrame(errors.Wrap(err, "invalid delta request"))
	}
	if req.SwarmID == "" {
		return errorFrame(errors.New("swarm_id is required"))
	}

	since := req.SinceVersion
	if len(req.Watermarks) > 0 {
		since = 0
	}
	states, err := s.source.DeltaSync(context.Background(), req.SwarmID, since)
	if err != nil {
		return errorFrame(err)
	}
	if len(req.Watermarks) > 0 {
		states = statesync.NewerThan(states, req.Watermarks)
	}

	payload, err := s.converter.StatesToIPC(states)
	if err != nil {
		return errorFrame(err)
	}
	s.log.Debugf("delta %s since %d: %d versions", req.SwarmID, req.SinceVersion, len(states))
	return append([]byte{deltaStatusOK}, payload...)
}

func errorFrame(err error) []byte {
	return append([]byte{deltaStatusError}, err.Error()...)
}

// FetchDelta asks the delta server at address for every version of swarmID newer than
// sinceVersion.
func FetchDelta(ctx context.Context, address, swarmID string, sinceVersion int64) ([]statesync.StateVersion, error) {
	return fetchDelta(ctx, address, deltaRequest{SwarmID: swarmID, SinceVersion: sinceVersion})
}

// FetchDeltaWatermarks asks for the versions of every key above its watermark. Keys
// missing from watermarks are returned in full.
func FetchDeltaWatermarks(ctx context.Context, address, swarmID string, watermarks map[string]int64) ([]statesync.StateVersion, error) {
	if len(watermarks) == 0 {
		return FetchDelta(ctx, address, swarmID, 0)
	}
	return fetchDelta(ctx, address, deltaRequest{SwarmID: swarmID, Watermarks: watermarks})
}

func fetchDelta(ctx context.Context, address string, req deltaRequest) ([]statesync.StateVersion, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %s", address)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if err := WriteMessage(conn, body); err != nil {
		return nil, err
	}

	frame, err := ReadMessage(conn)
	if err != nil {
		return nil, errors.Wrap(err, "reading delta response")
	}
	if len(frame) == 0 {
		return nil, errors.New("empty delta response")
	}

	switch frame[0] {
	case deltaStatusOK:
		return data.NewConverter().IPCToStates(frame[1:])
	case deltaStatusError:
		return nil, errors.Newf("delta server: %s", string(frame[1:]))
	default:
		return nil, errors.Newf("unknown delta response status %d", frame[0])
	}
}
