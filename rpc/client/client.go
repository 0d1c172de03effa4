package client

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/kvasir-db/kvasir/lib/engine/value"
	"github.com/kvasir-db/kvasir/rpc/proto"
)

// --------------------------------------------------------------------------
// Client
// --------------------------------------------------------------------------

// ErrRemote is the base for ERROR statuses; the raw message arrives
// wrapped around it.
var ErrRemote = errors.New("remote error")

// Client speaks the binary protocol over one TCP connection. Calls block
// for one request/response round trip.
//
// Thread-safety: safe for concurrent use; calls are serialized on the
// single connection.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	br   *bufio.Reader

	timeout time.Duration
}

// Dial connects to a server. A zero timeout means calls never time out.
func Dial(address string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", address, dialTimeout(timeout))
	if err != nil {
		return nil, errors.Wrap(err, "client: dial")
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return &Client{
		conn:    conn,
		br:      bufio.NewReader(conn),
		timeout: timeout,
	}, nil
}

func dialTimeout(t time.Duration) time.Duration {
	if t > 0 {
		return t
	}
	return 10 * time.Second
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// roundTrip sends one request and reads its response. On a transport
// error the connection is no longer usable.
func (c *Client) roundTrip(req proto.Request) (proto.Status, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, nil, err
		}
	}
	if err := proto.WriteRequest(c.conn, req); err != nil {
		return 0, nil, errors.Wrap(err, "client: write request")
	}
	kind, payload, err := proto.ReadFrame(c.br)
	if err != nil {
		return 0, nil, errors.Wrap(err, "client: read response")
	}
	return proto.Status(kind), payload, nil
}

// call is roundTrip plus uniform handling of the error statuses.
func (c *Client) call(req proto.Request) (proto.Status, []byte, error) {
	status, payload, err := c.roundTrip(req)
	if err != nil {
		return 0, nil, err
	}
	switch status {
	case proto.StatusError, proto.StatusInvalid, proto.StatusCASFailed:
		return status, nil, errors.Wrapf(ErrRemote, "%s: %s", status, payload)
	}
	return status, payload, nil
}

// Call performs one raw round trip. Most callers want the typed methods;
// this exists for tools that build requests themselves.
func (c *Client) Call(req proto.Request) (proto.Status, []byte, error) {
	return c.call(req)
}

// --------------------------------------------------------------------------
// Commands
// --------------------------------------------------------------------------

// Get returns the value for key; ok is false when the key is absent.
func (c *Client) Get(key string) (v value.Value, ok bool, err error) {
	status, payload, err := c.call(proto.Request{Op: proto.OpGet, Key: key})
	if err != nil {
		return value.Value{}, false, err
	}
	if status == proto.StatusNull {
		return value.Value{}, false, nil
	}
	v, err = proto.DecodeValue(payload)
	return v, err == nil, err
}

// Set stores v under key with an optional ttl (0 = no expiry).
func (c *Client) Set(key string, v value.Value, ttl time.Duration) error {
	_, _, err := c.call(proto.Request{Op: proto.OpSet, Key: key, Value: v, TTL: ttl})
	return err
}

// SetNX stores v only if key is absent, reporting whether it did.
func (c *Client) SetNX(key string, v value.Value, ttl time.Duration) (bool, error) {
	return c.boolCall(proto.Request{Op: proto.OpSetNX, Key: key, Value: v, TTL: ttl})
}

// Delete removes key, reporting whether a live value existed.
func (c *Client) Delete(key string) (bool, error) {
	return c.boolCall(proto.Request{Op: proto.OpDel, Key: key})
}

// Exists reports whether key holds a live value.
func (c *Client) Exists(key string) (bool, error) {
	return c.boolCall(proto.Request{Op: proto.OpExists, Key: key})
}

// Incr adds delta to an Int entry and returns the result.
func (c *Client) Incr(key string, delta int64) (int64, error) {
	return c.intCall(proto.Request{Op: proto.OpIncr, Key: key, Delta: delta})
}

// Decr subtracts delta from an Int entry and returns the result.
func (c *Client) Decr(key string, delta int64) (int64, error) {
	return c.intCall(proto.Request{Op: proto.OpDecr, Key: key, Delta: delta})
}

// Lock acquires or extends the lock on key for owner.
func (c *Client) Lock(key, owner string, ttl time.Duration) (bool, error) {
	return c.boolCall(proto.Request{Op: proto.OpLock, Key: key, Owner: owner, TTL: ttl})
}

// Unlock releases the lock if owner holds it.
func (c *Client) Unlock(key, owner string) (bool, error) {
	return c.boolCall(proto.Request{Op: proto.OpUnlock, Key: key, Owner: owner})
}

// ExtendLock pushes out the expiry of a lock owner already holds.
func (c *Client) ExtendLock(key, owner string, ttl time.Duration) (bool, error) {
	return c.boolCall(proto.Request{Op: proto.OpExtend, Key: key, Owner: owner, TTL: ttl})
}

// MGet fetches several keys at once; absent keys come back nil.
func (c *Client) MGet(keys ...string) ([]*value.Value, error) {
	_, payload, err := c.call(proto.Request{Op: proto.OpMGet, Keys: keys})
	if err != nil {
		return nil, err
	}
	return proto.DecodeMGet(payload)
}

// MSet stores several pairs with one shared ttl.
func (c *Client) MSet(pairs []proto.Pair, ttl time.Duration) error {
	_, _, err := c.call(proto.Request{Op: proto.OpMSet, Pairs: pairs, TTL: ttl})
	return err
}

// MDel removes several keys and returns how many held live values.
func (c *Client) MDel(keys ...string) (int64, error) {
	return c.intCall(proto.Request{Op: proto.OpMDel, Keys: keys})
}

// Ping checks liveness.
func (c *Client) Ping() error {
	_, payload, err := c.call(proto.Request{Op: proto.OpPing})
	if err != nil {
		return err
	}
	if string(payload) != "PONG" {
		return errors.Errorf("client: unexpected ping response %q", payload)
	}
	return nil
}

// Info returns the server's INFO map.
func (c *Client) Info() (map[string]value.Value, error) {
	_, payload, err := c.call(proto.Request{Op: proto.OpInfo})
	if err != nil {
		return nil, err
	}
	v, err := proto.DecodeValue(payload)
	if err != nil {
		return nil, err
	}
	if v.Type != value.TypeMap {
		return nil, errors.Errorf("client: info response is %v, not a map", v.Type)
	}
	return v.Map, nil
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func (c *Client) boolCall(req proto.Request) (bool, error) {
	_, payload, err := c.call(req)
	if err != nil {
		return false, err
	}
	return proto.DecodeBool(payload)
}

func (c *Client) intCall(req proto.Request) (int64, error) {
	_, payload, err := c.call(req)
	if err != nil {
		return 0, err
	}
	return proto.DecodeInt(payload)
}
