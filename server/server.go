// Package server runs the KMS TCP service: one acceptor per listening
// socket, a per-connection protocol state machine and a bounded worker pool
// servicing decoded PDUs.
package server

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/qvint/kmsd/kms"
	"github.com/qvint/kmsd/logger"
	"github.com/qvint/kmsd/rpc"
)

// maxFragLen bounds a single incoming PDU. The default negotiated fragment
// size is 5840; anything larger is framing damage.
const maxFragLen = 5840

var connBufPool = sync.Pool{
	New: func() any {
		buf := make([]byte, maxFragLen)
		return &buf
	},
}

// Server is the KMS activation host.
type Server struct {
	cfg        *kms.Config
	dispatcher *kms.Dispatcher

	listeners []net.Listener
	sem       chan struct{}
	waiting   atomic.Int64
	nextReqID atomic.Uint64
	closed    atomic.Bool
	wg        sync.WaitGroup
}

func New(cfg *kms.Config, d *kms.Dispatcher) *Server {
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Server{
		cfg:        cfg,
		dispatcher: d,
		sem:        make(chan struct{}, workers),
	}
}

// Listen binds every configured address.
func (s *Server) Listen(ctx context.Context) error {
	lc := listenConfig()
	for _, host := range s.cfg.Addrs {
		addr := net.JoinHostPort(host, strconv.Itoa(s.cfg.Port))
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			s.Close()
			return fmt.Errorf("server: listen on %s: %w", addr, err)
		}
		s.listeners = append(s.listeners, ln)
		logger.LogAttrs(ctx, slog.LevelInfo, "listening",
			slog.String("address", ln.Addr().String()),
			slog.String("hwid", hex.EncodeToString(s.dispatcher.Identity.HWID[:])))
	}
	return nil
}

// Addrs returns the bound listener addresses.
func (s *Server) Addrs() []net.Addr {
	addrs := make([]net.Addr, len(s.listeners))
	for i, ln := range s.listeners {
		addrs[i] = ln.Addr()
	}
	return addrs
}

// ListenAndServe binds every configured address and serves until ctx is
// canceled or an acceptor fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(ctx); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve accepts connections on the bound listeners until ctx is canceled.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, len(s.listeners))
	for _, ln := range s.listeners {
		s.wg.Add(1)
		go func(ln net.Listener) {
			defer s.wg.Done()
			errCh <- s.acceptLoop(ctx, ln)
		}(ln)
	}

	select {
	case <-ctx.Done():
		s.Close()
		s.wg.Wait()
		return ctx.Err()
	case err := <-errCh:
		s.Close()
		s.wg.Wait()
		return err
	}
}

// Close shuts every listener; in-flight connections drain on their own.
func (s *Server) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	for _, ln := range s.listeners {
		ln.Close()
	}
}

// overloaded reports whether the dispatch queue is past its high-water mark;
// the acceptors pause while it is.
func (s *Server) overloaded() bool {
	hw := int64(s.cfg.QueueHighWater)
	return hw > 0 && s.waiting.Load() >= hw
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		for s.overloaded() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
		}
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.LogAttrs(ctx, slog.LevelWarn, "accept failed", slog.Any("error", err))
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Connection states.
type connState int

const (
	stateBinding connState = iota // awaiting Bind
	stateBound                    // association established, awaiting Requests
	stateClosed
)

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	ctx = logger.WithRequestID(ctx, s.nextReqID.Add(1))
	remote := conn.RemoteAddr().String()
	logger.LogAttrs(ctx, slog.LevelDebug, "connection accepted", slog.String("remote_addr", remote))

	bufp := connBufPool.Get().(*[]byte)
	defer connBufPool.Put(bufp)

	asm := rpc.NewAssembler()
	state := stateBinding
	maxXmit := uint16(maxFragLen)

	for state != stateClosed {
		pdu, err := s.readPDU(conn, *bufp)
		if err != nil {
			if err != io.EOF {
				logger.LogAttrs(ctx, slog.LevelDebug, "read failed", slog.String("remote_addr", remote), slog.Any("error", err))
			}
			break
		}

		h, err := rpc.ParseHeader(pdu)
		if err != nil {
			// Desynchronized stream: nothing sensible to reply.
			logger.LogAttrs(ctx, slog.LevelWarn, "bad RPC header", slog.Any("error", err))
			break
		}
		if h.AuthLen != 0 {
			s.write(ctx, conn, rpc.BuildFault(h.CallID, 0, rpc.StatusProtoError))
			break
		}

		switch h.Ptype {
		case rpc.PtypeBind:
			state = s.handleBind(ctx, conn, h, pdu, &maxXmit, state)

		case rpc.PtypeRequest:
			if state != stateBound {
				s.write(ctx, conn, rpc.BuildFault(h.CallID, 0, rpc.StatusProtoError))
				state = stateClosed
				break
			}
			state = s.handleRequest(ctx, conn, pdu, asm, maxXmit)

		default:
			logger.LogAttrs(ctx, slog.LevelWarn, "unexpected PDU type",
				slog.String("type", fmt.Sprintf("0x%02x", h.Ptype)))
			s.write(ctx, conn, rpc.BuildFault(h.CallID, 0, rpc.StatusProtoError))
			state = stateClosed
		}
	}

	logger.LogAttrs(ctx, slog.LevelDebug, "connection closed", slog.String("remote_addr", remote))
}

func (s *Server) handleBind(ctx context.Context, conn net.Conn, h rpc.Header, pdu []byte, maxXmit *uint16, state connState) connState {
	body, err := rpc.Body(h, pdu)
	if err != nil {
		return stateClosed
	}
	bind, err := rpc.ParseBind(body)
	if err != nil {
		logger.LogAttrs(ctx, slog.LevelWarn, "malformed bind", slog.Any("error", err))
		s.write(ctx, conn, rpc.BuildFault(h.CallID, 0, rpc.StatusProtoError))
		return stateClosed
	}

	results := bind.Negotiate()
	assoc := bind.AssocGroup
	if assoc == 0 {
		assoc = s.allocAssocGroup()
	}
	if !s.write(ctx, conn, rpc.BuildBindAck(h, bind, assoc, results)) {
		return stateClosed
	}

	if rpc.Accepted(results) {
		if bind.MaxRecvFrag >= 64 && bind.MaxRecvFrag < *maxXmit {
			*maxXmit = bind.MaxRecvFrag
		}
		logger.LogAttrs(ctx, slog.LevelDebug, "bind acknowledged", slog.Uint64("assoc_group", uint64(assoc)))
		return stateBound
	}
	// Every context rejected: stay in Binding and let the client retry or
	// hang up.
	return state
}

func (s *Server) handleRequest(ctx context.Context, conn net.Conn, pdu []byte, asm *rpc.Assembler, maxXmit uint16) connState {
	req, err := rpc.ParseRequest(pdu)
	if err != nil {
		h, herr := rpc.ParseHeader(pdu)
		if herr != nil {
			return stateClosed
		}
		s.write(ctx, conn, rpc.BuildFault(h.CallID, 0, rpc.StatusProtoError))
		return stateBound
	}

	complete, err := asm.Feed(req)
	if err != nil {
		logger.LogAttrs(ctx, slog.LevelWarn, "fragment reassembly failed", slog.Any("error", err))
		return stateClosed
	}
	if complete == nil {
		return stateBound // awaiting further fragments
	}

	if complete.Opnum != 0 {
		logger.LogAttrs(ctx, slog.LevelWarn, "unknown opnum", slog.Uint64("opnum", uint64(complete.Opnum)))
		s.write(ctx, conn, rpc.BuildFault(complete.Header.CallID, complete.ContextID, rpc.StatusOpRngError))
		return stateBound
	}

	stub, err := rpc.UnwrapStub(complete.Stub)
	if err != nil {
		s.write(ctx, conn, rpc.BuildFault(complete.Header.CallID, complete.ContextID, rpc.StatusProtoError))
		return stateBound
	}

	respData, err := s.dispatch(ctx, stub)
	switch {
	case err == nil:
	case errors.Is(err, kms.ErrAuthFailure), errors.Is(err, kms.ErrDecryptMismatch):
		// No reply: a distinguishable failure would be a padding/MAC
		// oracle.
		logger.LogAttrs(ctx, slog.LevelInfo, "request rejected", slog.Any("error", err))
		return stateClosed
	default:
		logger.LogAttrs(ctx, slog.LevelWarn, "dispatch failed", slog.Any("error", err))
		s.write(ctx, conn, rpc.BuildFault(complete.Header.CallID, complete.ContextID, rpc.StatusProtoError))
		return stateBound
	}

	for _, out := range rpc.BuildResponse(complete.Header.CallID, complete.ContextID, rpc.WrapStub(respData), maxXmit) {
		if !s.write(ctx, conn, out) {
			return stateClosed
		}
	}
	logger.LogAttrs(ctx, slog.LevelInfo, "activation request answered")
	return stateBound
}

// dispatch runs the request on a worker slot, preserving per-connection FIFO
// order by blocking the connection goroutine.
func (s *Server) dispatch(ctx context.Context, stub []byte) ([]byte, error) {
	s.waiting.Add(1)
	s.sem <- struct{}{}
	s.waiting.Add(-1)
	defer func() { <-s.sem }()
	return s.dispatcher.Dispatch(ctx, stub)
}

// readPDU reads one complete PDU into buf. The wait for a first header byte
// is bounded by the idle timeout; once a PDU is underway the remainder must
// arrive within the read timeout.
func (s *Server) readPDU(conn net.Conn, buf []byte) ([]byte, error) {
	idle := s.cfg.IdleTimeout
	if idle <= 0 {
		idle = 30 * time.Second
	}
	partial := s.cfg.ReadTimeout
	if partial <= 0 {
		partial = 10 * time.Second
	}

	if err := conn.SetReadDeadline(time.Now().Add(idle)); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(conn, buf[:1]); err != nil {
		return nil, err
	}

	if err := conn.SetReadDeadline(time.Now().Add(partial)); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(conn, buf[1:rpc.HeaderSize]); err != nil {
		return nil, err
	}

	fragLen := binary.LittleEndian.Uint16(buf[8:10])
	if int(fragLen) > len(buf) {
		return nil, fmt.Errorf("fragment length %d exceeds maximum %d", fragLen, len(buf))
	}
	if fragLen <= rpc.HeaderSize {
		return buf[:rpc.HeaderSize], nil
	}

	if _, err := io.ReadFull(conn, buf[rpc.HeaderSize:fragLen]); err != nil {
		return nil, err
	}
	return buf[:fragLen], nil
}

func (s *Server) write(ctx context.Context, conn net.Conn, data []byte) bool {
	if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return false
	}
	if _, err := conn.Write(data); err != nil {
		logger.LogAttrs(ctx, slog.LevelDebug, "write failed", slog.Any("error", err))
		return false
	}
	return true
}

// allocAssocGroup draws a fresh non-zero association group id.
func (s *Server) allocAssocGroup() uint32 {
	var b [4]byte
	if _, err := io.ReadFull(s.dispatcher.Identity.Rand, b[:]); err == nil {
		if v := binary.LittleEndian.Uint32(b[:]); v != 0 {
			return v
		}
	}
	return 0x1063bf3f
}
