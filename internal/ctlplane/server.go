// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ctlplane

import (
	"context"
	"net"
	"net/rpc"
	"os"
	"path/filepath"
	"sync"
	"time"

	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/logging"
)

// Server exposes the device control surface over net/rpc so the CLI and
// out-of-process inspectors can drive it.
type Server struct {
	dev    *Device
	logger *logging.Logger
	rpc    *rpc.Server

	mu       sync.Mutex
	listener net.Listener

	// writeMu serializes copies into the inbound region.
	writeMu sync.Mutex
}

// NewServer creates a server for dev.
func NewServer(dev *Device, logger *logging.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.WithComponent("ctl")
	}
	s := &Server{dev: dev, logger: logger, rpc: rpc.NewServer()}
	if err := s.rpc.RegisterName("Server", s); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to register RPC service")
	}
	return s, nil
}

// Start listens on the unix socket at path.
func (s *Server) Start(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "create socket directory for %s", path)
	}
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "failed to listen on %s", path)
	}
	// Owner and group only; the control surface can detach filtering.
	if err := os.Chmod(path, 0o660); err != nil {
		listener.Close()
		return errors.Wrapf(err, errors.KindPermission, "failed to set socket permissions on %s", path)
	}
	return s.StartWithListener(listener)
}

// StartWithListener serves connections accepted from listener.
func (s *Server) StartWithListener(listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("control plane listening", "addr", listener.Addr().String())

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					s.logger.Error("accept failed", "error", err)
				}
				return
			}
			go func() {
				defer func() {
					if r := recover(); r != nil {
						s.logger.Error("RPC connection handler panicked", "panic", r)
					}
				}()
				s.rpc.ServeConn(conn)
			}()
		}
	}()
	return nil
}

// Close stops accepting connections.
func (s *Server) Close() error {
	s.mu.Lock()
	l := s.listener
	s.listener = nil
	s.mu.Unlock()
	if l == nil {
		return nil
	}
	return l.Close()
}

func (s *Server) session(id string) (*Session, error) {
	cur, ok := s.dev.Current()
	if !ok || cur.ID.String() != id {
		return nil, errors.Attr(errors.New(errors.KindNotFound, "no such session"), "session", id)
	}
	return cur, nil
}

// Status reports device state.
func (s *Server) Status(args *Empty, reply *StatusReply) error {
	reply.Status = s.dev.Status()
	return nil
}

// AbortFlow resets a TCP flow.
func (s *Server) AbortFlow(args *FlowArgs, reply *Empty) error {
	return s.dev.AbortFlow(args.ID)
}

// AddBucket creates a flow-control bucket.
func (s *Server) AddBucket(args *BucketArgs, reply *BucketReply) error {
	reply.ID = s.dev.AddBucket(args.Limits)
	return nil
}

// DeleteBucket removes a bucket.
func (s *Server) DeleteBucket(args *BucketArgs, reply *Empty) error {
	return s.dev.DeleteBucket(args.ID)
}

// ModifyBucket changes a bucket's ceilings.
func (s *Server) ModifyBucket(args *BucketArgs, reply *Empty) error {
	return s.dev.ModifyBucket(args.ID, args.Limits)
}

// BucketStats returns one bucket, or every bucket for id 0.
func (s *Server) BucketStats(args *BucketArgs, reply *BucketStatsReply) error {
	if args.ID == 0 {
		reply.Buckets = s.dev.Buckets()
		return nil
	}
	st, err := s.dev.BucketStats(args.ID)
	if err != nil {
		return err
	}
	reply.Buckets = append(reply.Buckets, st)
	return nil
}

// ReplaceRules swaps the flow rules.
func (s *Server) ReplaceRules(args *RulesArgs, reply *RulesReply) error {
	n, err := s.dev.ReplaceRules(args.Records)
	reply.Count = n
	return err
}

// AddBindRules appends binding rules.
func (s *Server) AddBindRules(args *RulesArgs, reply *RulesReply) error {
	n, err := s.dev.AddBindRules(args.Records)
	reply.Count = n
	return err
}

// ReplaceBindRules swaps the binding rules.
func (s *Server) ReplaceBindRules(args *RulesArgs, reply *RulesReply) error {
	n, err := s.dev.ReplaceBindRules(args.Records)
	reply.Count = n
	return err
}

// ProcessImagePath resolves a pid.
func (s *Server) ProcessImagePath(args *PIDArgs, reply *ImagePathReply) error {
	p, err := s.dev.ProcessImagePath(args.PID)
	reply.Path = p
	return err
}

// FlowStats lists live flows.
func (s *Server) FlowStats(args *Empty, reply *FlowStatsReply) error {
	reply.Flows = s.dev.FlowStats()
	return nil
}

// Attach opens an inspector session.
func (s *Server) Attach(args *AttachArgs, reply *AttachReply) error {
	sess, err := s.dev.Open(args.PID)
	if err != nil {
		return err
	}
	reply.SessionID = sess.ID.String()
	reply.RegionSize = len(sess.Outbound().Bytes())
	if _, heap := sess.Inbound().(*HeapRegion); !heap {
		reply.Shared = true
		reply.InboundPath = sess.Inbound().Name()
		reply.OutboundPath = sess.Outbound().Name()
	}
	return nil
}

// Detach closes an inspector session.
func (s *Server) Detach(args *SessionArgs, reply *Empty) error {
	sess, err := s.session(args.SessionID)
	if err != nil {
		return err
	}
	return s.dev.Close(sess)
}

// ReadEvents waits for outbound events. A timeout yields zero bytes.
func (s *Server) ReadEvents(args *ReadArgs, reply *ReadReply) error {
	sess, err := s.session(args.SessionID)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if args.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(args.TimeoutMs)*time.Millisecond)
		defer cancel()
	}
	n, err := s.dev.Read(ctx, sess)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	}
	reply.N = n
	if _, heap := sess.Outbound().(*HeapRegion); heap {
		reply.Data = append([]byte(nil), sess.Outbound().Bytes()[:n]...)
	}
	return nil
}

// WriteCommands submits inbound records.
func (s *Server) WriteCommands(args *WriteArgs, reply *WriteReply) error {
	sess, err := s.session(args.SessionID)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	n := args.N
	if len(args.Data) > 0 {
		in := sess.Inbound().Bytes()
		if len(args.Data) > len(in) {
			return errors.Errorf(errors.KindValidation, "%d bytes exceed the %d byte inbound region", len(args.Data), len(in))
		}
		n = copy(in, args.Data)
	}
	consumed, err := s.dev.Write(sess, n)
	reply.Consumed = consumed
	return err
}
