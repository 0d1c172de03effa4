package server

import (
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	log "github.com/sirupsen/logrus"

	"github.com/kvasir-db/kvasir/lib/engine"
	"github.com/kvasir-db/kvasir/lib/engine/value"
	"github.com/kvasir-db/kvasir/rpc/proto"
)

// --------------------------------------------------------------------------
// Server
// --------------------------------------------------------------------------

// Options configures a Server.
type Options struct {
	BindAddress string
	Version     string
	// IdleTimeout closes connections with no traffic (0 = never).
	IdleTimeout time.Duration
}

// Server accepts TCP connections and speaks the binary protocol against
// one shared engine. Requests on a single connection are handled strictly
// in receipt order; connections are independent.
type Server struct {
	opts     Options
	engine   *engine.Engine
	listener net.Listener

	conns     *xsync.MapOf[uint64, net.Conn]
	nextConn  atomic.Uint64
	startedAt time.Time
	closed    atomic.Bool
	wg        sync.WaitGroup
}

var (
	metricConnsAccepted = metrics.NewCounter("kvasir_connections_accepted_total")
	metricBadRequests   = metrics.NewCounter("kvasir_requests_invalid_total")
)

func opCounter(op proto.Op) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`kvasir_requests_total{op=%q}`, op))
}

// New creates a server for e. Serve starts it.
func New(opts Options, e *engine.Engine) *Server {
	return &Server{
		opts:   opts,
		engine: e,
		conns:  xsync.NewMapOf[uint64, net.Conn](),
	}
}

// Serve listens on the configured address and accepts until Close. It
// returns nil after a clean Close.
func (s *Server) Serve() error {
	l, err := net.Listen("tcp", s.opts.BindAddress)
	if err != nil {
		return errors.Wrap(err, "server: listen")
	}
	s.listener = l
	s.startedAt = time.Now()
	log.WithField("address", l.Addr().String()).Info("listening")

	for {
		conn, err := l.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			log.WithError(err).Error("accept failed")
			continue
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			// request/response round trips benefit from immediate sends
			_ = tc.SetNoDelay(true)
		}

		id := s.nextConn.Add(1)
		s.conns.Store(id, conn)
		metricConnsAccepted.Inc()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				conn.Close()
				s.conns.Delete(id)
			}()
			s.handleConn(conn)
		}()
	}
}

// Addr returns the bound address once Serve has started listening.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting, closes every open connection and waits for the
// handlers to drain.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.conns.Range(func(_ uint64, conn net.Conn) bool {
		conn.Close()
		return true
	})
	s.wg.Wait()
	log.Info("server stopped")
	return err
}

// --------------------------------------------------------------------------
// Connection Handling
// --------------------------------------------------------------------------

// handleConn processes requests sequentially: decode, dispatch, respond.
// A framing error gets one INVALID response and ends the connection; a
// well-framed but malformed request gets INVALID and the connection
// lives on.
func (s *Server) handleConn(conn net.Conn) {
	for {
		if s.opts.IdleTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout)); err != nil {
				return
			}
		}

		kind, payload, err := proto.ReadFrame(conn)
		if err != nil {
			if err != io.EOF {
				var perr *proto.ProtocolError
				if errors.As(err, &perr) {
					metricBadRequests.Inc()
					s.respond(conn, proto.StatusInvalid, []byte(perr.Reason))
				}
			}
			return
		}

		op := proto.Op(kind)
		opCounter(op).Inc()

		req, err := proto.DecodeRequest(op, payload)
		if err != nil {
			metricBadRequests.Inc()
			if err := s.respond(conn, proto.StatusInvalid, []byte(err.Error())); err != nil {
				return
			}
			continue
		}

		status, resp := s.dispatch(req)
		if err := s.respond(conn, status, resp); err != nil {
			return
		}
	}
}

func (s *Server) respond(conn net.Conn, status proto.Status, payload []byte) error {
	if err := proto.WriteFrame(conn, byte(status), payload); err != nil {
		log.WithError(err).Debug("response write failed")
		return err
	}
	return nil
}

// --------------------------------------------------------------------------
// Dispatch
// --------------------------------------------------------------------------

// dispatch runs one decoded request against the engine and shapes the
// response. Engine errors become a wire status here and never propagate
// further.
func (s *Server) dispatch(req proto.Request) (proto.Status, []byte) {
	switch req.Op {
	case proto.OpGet:
		v, ok := s.engine.Get(req.Key)
		if !ok {
			return proto.StatusNull, nil
		}
		return proto.StatusOK, proto.ValuePayload(v)

	case proto.OpSet:
		s.engine.Set(req.Key, req.Value, req.TTL)
		return proto.StatusOK, nil

	case proto.OpSetNX:
		return proto.StatusOK, proto.BoolPayload(s.engine.SetNX(req.Key, req.Value, req.TTL))

	case proto.OpDel:
		return proto.StatusOK, proto.BoolPayload(s.engine.Delete(req.Key))

	case proto.OpExists:
		return proto.StatusOK, proto.BoolPayload(s.engine.Exists(req.Key))

	case proto.OpIncr:
		return s.arith(req.Key, req.Delta)

	case proto.OpDecr:
		delta := req.Delta
		if delta == math.MinInt64 {
			// -MinInt64 wraps back to MinInt64; saturate instead
			delta = math.MaxInt64
		} else {
			delta = -delta
		}
		return s.arith(req.Key, delta)

	case proto.OpLock:
		return proto.StatusOK, proto.BoolPayload(s.engine.Lock(req.Key, req.Owner, req.TTL))

	case proto.OpUnlock:
		return proto.StatusOK, proto.BoolPayload(s.engine.Unlock(req.Key, req.Owner))

	case proto.OpExtend:
		return proto.StatusOK, proto.BoolPayload(s.engine.ExtendLock(req.Key, req.Owner, req.TTL))

	case proto.OpMGet:
		return proto.StatusOK, proto.MGetPayload(s.engine.MGet(req.Keys))

	case proto.OpMSet:
		pairs := make([]engine.KV, len(req.Pairs))
		for i, p := range req.Pairs {
			pairs[i] = engine.KV{Key: p.Key, Value: p.Value}
		}
		s.engine.MSet(pairs, req.TTL)
		return proto.StatusOK, nil

	case proto.OpMDel:
		return proto.StatusOK, proto.IntPayload(int64(s.engine.MDel(req.Keys)))

	case proto.OpPing:
		return proto.StatusOK, []byte("PONG")

	case proto.OpInfo:
		return proto.StatusOK, proto.ValuePayload(s.info())

	case proto.OpCAS:
		return proto.StatusError, []byte("cas is reserved")
	}

	// DecodeRequest already rejected unknown opcodes
	return proto.StatusInvalid, []byte("unhandled opcode")
}

func (s *Server) arith(key string, delta int64) (proto.Status, []byte) {
	n, err := s.engine.Incr(key, delta)
	if err != nil {
		return proto.StatusError, []byte(err.Error())
	}
	return proto.StatusOK, proto.IntPayload(n)
}

// info builds the INFO response: a Map value with server and engine
// statistics.
func (s *Server) info() value.Value {
	st := s.engine.Stats()
	return value.NewMap(map[string]value.Value{
		"version":     value.NewString(s.opts.Version),
		"uptime_secs": value.NewInt(int64(time.Since(s.startedAt).Seconds())),
		"connections": value.NewInt(int64(s.conns.Size())),
		"shards":      value.NewInt(int64(st.Shards)),
		"keys":        value.NewInt(int64(st.Keys)),
		"reads":       value.NewInt(st.Reads),
		"writes":      value.NewInt(st.Writes),
		"hits":        value.NewInt(st.Hits),
		"misses":      value.NewInt(st.Misses),
	})
}
