package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/taskctl/controlplane/internal/common/logger"
	"github.com/taskctl/controlplane/internal/runtimerpc"
)

type commandState struct {
	req       *runtimerpc.StartRuntimeCommandRequest
	commandID string
	status    string // running, succeeded, failed, canceled
	cancel    context.CancelFunc
}

// mockServer implements runtimerpc.Server. It tracks in-flight commands,
// runs a canned event sequence for each on a background goroutine, and
// fans frames out to every subscribed stream.
type mockServer struct {
	log      *logger.Logger
	maxSlots int

	mu       sync.Mutex
	commands map[string]*commandState // keyed by runId
	subs     map[int64]*subscriber
	nextSub  int64
	seq      int64

	wg sync.WaitGroup
}

type subscriber struct {
	runIDs map[string]bool // empty means "all runs"
	frames chan *runtimerpc.RuntimeEventFrame
	done   chan struct{}
}

func newMockServer(maxSlots int, log *logger.Logger) *mockServer {
	return &mockServer{
		log:      log,
		maxSlots: maxSlots,
		commands: make(map[string]*commandState),
		subs:     make(map[int64]*subscriber),
	}
}

func (s *mockServer) shutdown() {
	s.mu.Lock()
	for _, c := range s.commands {
		if c.cancel != nil {
			c.cancel()
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *mockServer) nextSequence() int64 {
	return atomic.AddInt64(&s.seq, 1)
}

func (s *mockServer) StartCommand(ctx context.Context, req *runtimerpc.StartRuntimeCommandRequest) (*runtimerpc.StartRuntimeCommandResult, error) {
	s.mu.Lock()
	if len(s.commands) >= s.maxSlots {
		s.mu.Unlock()
		return &runtimerpc.StartRuntimeCommandResult{Success: false, Error: "no free slots"}, nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	commandID := fmt.Sprintf("cmd-%s", req.RunID)
	s.commands[req.RunID] = &commandState{req: req, commandID: commandID, status: "running", cancel: cancel}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runScenario(runCtx, req)

	return &runtimerpc.StartRuntimeCommandResult{Success: true, CommandID: commandID}, nil
}

func (s *mockServer) CancelCommand(ctx context.Context, req *runtimerpc.CancelRuntimeCommandRequest) (*runtimerpc.CancelRuntimeCommandResult, error) {
	s.mu.Lock()
	c, ok := s.commands[req.RunID]
	if ok && c.cancel != nil {
		c.status = "canceled"
		c.cancel()
	}
	s.mu.Unlock()
	if !ok {
		return &runtimerpc.CancelRuntimeCommandResult{Success: false, Error: "unknown run: " + req.RunID}, nil
	}
	return &runtimerpc.CancelRuntimeCommandResult{Success: true}, nil
}

func (s *mockServer) GetCommandStatus(ctx context.Context, req *runtimerpc.GetRuntimeCommandStatusRequest) (*runtimerpc.RuntimeCommandStatusResult, error) {
	s.mu.Lock()
	c, ok := s.commands[req.RunID]
	s.mu.Unlock()
	if !ok {
		return &runtimerpc.RuntimeCommandStatusResult{Success: false, Error: "unknown run: " + req.RunID}, nil
	}
	return &runtimerpc.RuntimeCommandStatusResult{Success: true, Status: c.status}, nil
}

func (s *mockServer) CheckHealth(ctx context.Context) (*runtimerpc.HealthResult, error) {
	return &runtimerpc.HealthResult{Success: true}, nil
}

func (s *mockServer) ReadEventBacklog(ctx context.Context, req *runtimerpc.ReadEventBacklogRequest) (*runtimerpc.ReadEventBacklogResult, error) {
	// This mock keeps no durable backlog: every event is only ever
	// delivered live, so a reconnecting client sees an empty page.
	return &runtimerpc.ReadEventBacklogResult{Success: true, HasMore: false}, nil
}

func (s *mockServer) EnsureRepositoryWorkspace(ctx context.Context, req *runtimerpc.EnsureRepositoryWorkspaceRequest) (*runtimerpc.EnsureRepositoryWorkspaceResult, error) {
	return &runtimerpc.EnsureRepositoryWorkspaceResult{Success: true, LocalPath: "/workspaces/" + req.RepositoryID}, nil
}

func (s *mockServer) RefreshRepositoryWorkspace(ctx context.Context, req *runtimerpc.RefreshRepositoryWorkspaceRequest) (*runtimerpc.RefreshRepositoryWorkspaceResult, error) {
	return &runtimerpc.RefreshRepositoryWorkspaceResult{Success: true, LocalPath: req.LocalPath}, nil
}

func (s *mockServer) Subscribe(stream runtimerpc.SubscribeServerStream) error {
	req, err := stream.Recv()
	if err != nil {
		return err
	}

	sub := &subscriber{frames: make(chan *runtimerpc.RuntimeEventFrame, 64), done: make(chan struct{})}
	if len(req.RunIDs) > 0 {
		sub.runIDs = make(map[string]bool, len(req.RunIDs))
		for _, id := range req.RunIDs {
			sub.runIDs[id] = true
		}
	}

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = sub
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
		close(sub.done)
	}()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-sub.frames:
			if err := stream.Send(frame); err != nil {
				return err
			}
		}
	}
}

// broadcast fans frame out to every subscriber interested in runID,
// dropping the frame for a subscriber whose buffer is full rather than
// blocking the whole fleet on one slow reader.
func (s *mockServer) broadcast(runID string, frame *runtimerpc.RuntimeEventFrame) {
	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.runIDs == nil || sub.runIDs[runID] {
			subs = append(subs, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.frames <- frame:
		case <-sub.done:
		default:
			s.log.Warn("dropping frame for slow subscriber", zap.String("run_id", runID))
		}
	}
}

func (s *mockServer) setStatus(runID, status string) {
	s.mu.Lock()
	if c, ok := s.commands[runID]; ok {
		c.status = status
	}
	s.mu.Unlock()
}
