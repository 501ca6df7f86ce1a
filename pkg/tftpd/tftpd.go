package tftpd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/pin/tftp/v3"

	"github.com/bishopdynamics/netbootstudio/internal/logger"
	"github.com/bishopdynamics/netbootstudio/internal/telemetry"
	"github.com/bishopdynamics/netbootstudio/pkg/metrics"
)

// Config tunes the TFTP listener. Zero values keep the library defaults.
type Config struct {
	Port      int
	Timeout   time.Duration
	Retries   int
	BlockSize int
}

// Server answers TFTP read requests through a Resolver. Write requests
// are always rejected.
type Server struct {
	cfg      Config
	resolver *Resolver
	srv      *tftp.Server
}

// New builds a server around resolver.
func New(cfg Config, resolver *Resolver) *Server {
	s := &Server{cfg: cfg, resolver: resolver}
	srv := tftp.NewServer(s.handleRead, s.handleWrite)
	if cfg.Timeout > 0 {
		srv.SetTimeout(cfg.Timeout)
	}
	if cfg.Retries > 0 {
		srv.SetRetries(cfg.Retries)
	}
	if cfg.BlockSize > 0 {
		srv.SetBlockSize(cfg.BlockSize)
	}
	s.srv = srv
	return s
}

// ListenAndServe blocks serving requests until Shutdown is called.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	logger.Info("starting tftp server", "addr", addr)
	return s.srv.ListenAndServe(addr)
}

// Shutdown stops the listener and waits for in-flight transfers.
func (s *Server) Shutdown() {
	logger.Debug("shutting down tftp server")
	s.srv.Shutdown()
}

func (s *Server) handleRead(filename string, rf io.ReaderFrom) error {
	var remoteIP net.IP
	if ot, ok := rf.(tftp.OutgoingTransfer); ok {
		addr := ot.RemoteAddr()
		remoteIP = addr.IP
	}
	kind := kindOf(filename)

	ctx, span := telemetry.StartSpan(context.Background(), "tftpd.read",
		telemetry.Filename(filename),
		telemetry.ClientIP(ipString(remoteIP)),
	)
	defer span.End()

	start := time.Now()
	art, err := s.resolver.Resolve(ctx, filename, remoteIP)
	if err != nil {
		countTransfer(kind, "error")
		telemetry.RecordError(ctx, err)
		logger.Error("tftp read request failed", "file", filename, "ip", ipString(remoteIP), "error", err)
		return err
	}
	defer art.Content.Close()

	if ot, ok := rf.(tftp.OutgoingTransfer); ok {
		ot.SetSize(art.Size)
	}
	n, err := rf.ReadFrom(art.Content)
	if err != nil {
		countTransfer(kind, "error")
		telemetry.RecordError(ctx, err)
		logger.Error("tftp transfer failed", "file", filename, "ip", ipString(remoteIP), "error", err)
		return err
	}

	countTransfer(kind, "ok")
	logger.Debug("tftp transfer complete",
		"file", filename, "ip", ipString(remoteIP), "kind", kind,
		"bytes", n, "duration_ms", logger.Duration(start))
	return nil
}

func (s *Server) handleWrite(filename string, _ io.WriterTo) error {
	countTransfer("write", "rejected")
	logger.Warn("rejected tftp write request", "file", filename)
	return errors.New("write requests are not supported")
}

func countTransfer(kind, outcome string) {
	if m := metrics.Core(); m != nil {
		m.TFTPTransfers.WithLabelValues(kind, outcome).Inc()
	}
}
