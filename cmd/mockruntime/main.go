// Package main implements a mock task runtime: a gRPC server speaking the
// runtimerpc wire contract and generating simulated structured events for
// local development and integration tests, in place of a real harness
// container.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/taskctl/controlplane/internal/common/logger"
	"github.com/taskctl/controlplane/internal/runtimerpc"
)

func main() {
	addr := flag.String("addr", ":7600", "address to listen on")
	maxSlots := flag.Int("max-slots", 4, "maximum concurrent commands this mock runtime accepts")
	flag.Parse()

	log := logger.Default().WithFields(zap.String("component", "mockruntime"))

	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatal("failed to listen", zap.String("addr", *addr), zap.Error(err))
	}

	srv := newMockServer(*maxSlots, log)
	gs := grpc.NewServer()
	runtimerpc.RegisterServer(gs, srv)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		log.Info("mock runtime listening", zap.String("addr", *addr))
		if err := gs.Serve(lis); err != nil {
			log.Error("grpc server stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down mock runtime")
	srv.shutdown()
	gs.GracefulStop()
	fmt.Fprintln(os.Stderr, "mockruntime: stopped")
}
