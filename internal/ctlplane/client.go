// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ctlplane

import (
	"net/rpc"
	"strings"
	"sync"
	"time"

	"grimm.is/flowguard/internal/ctlplane/wire"
	"grimm.is/flowguard/internal/engine"
	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/flow"
	"grimm.is/flowguard/internal/qos"
)

// Client talks to a Server over its unix socket.
type Client struct {
	path   string
	client *rpc.Client
	mu     sync.RWMutex
}

// NewClient connects to the control socket at path.
func NewClient(path string) (*Client, error) {
	client, err := rpc.Dial("unix", path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "failed to connect to control plane at %s", path)
	}
	return &Client{path: path, client: client}, nil
}

// Close drops the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// call wraps the RPC call with one reconnect attempt on a dead connection.
func (c *Client) call(serviceMethod string, args any, reply any) error {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if client == nil {
		if err := c.reconnect(nil); err != nil {
			return err
		}
		c.mu.RLock()
		client = c.client
		c.mu.RUnlock()
	}

	err := client.Call(serviceMethod, args, reply)
	if err == nil {
		return nil
	}
	if err == rpc.ErrShutdown || isNetworkError(err) {
		if recErr := c.reconnect(client); recErr != nil {
			return errors.Wrapf(recErr, errors.KindUnavailable, "RPC call failed (%v) and reconnection failed", err)
		}
		c.mu.RLock()
		client = c.client
		c.mu.RUnlock()
		return client.Call(serviceMethod, args, reply)
	}
	return err
}

// reconnect replaces oldClient unless another caller already did.
func (c *Client) reconnect(oldClient *rpc.Client) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != oldClient && c.client != nil {
		return nil
	}
	if c.client != nil {
		c.client.Close()
	}

	client, err := rpc.Dial("unix", c.path)
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "failed to reconnect to control plane")
	}
	c.client = client
	return nil
}

func isNetworkError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection is shut down") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "bad file descriptor") ||
		strings.Contains(msg, "unexpected EOF") ||
		strings.Contains(msg, "use of closed network connection")
}

func (c *Client) Status() (*Status, error) {
	var reply StatusReply
	if err := c.call("Server.Status", &Empty{}, &reply); err != nil {
		return nil, err
	}
	return &reply.Status, nil
}

func (c *Client) AbortFlow(id uint64) error {
	return c.call("Server.AbortFlow", &FlowArgs{ID: id}, &Empty{})
}

func (c *Client) AddBucket(limits qos.Limits) (uint64, error) {
	var reply BucketReply
	if err := c.call("Server.AddBucket", &BucketArgs{Limits: limits}, &reply); err != nil {
		return 0, err
	}
	return reply.ID, nil
}

func (c *Client) DeleteBucket(id uint64) error {
	return c.call("Server.DeleteBucket", &BucketArgs{ID: id}, &Empty{})
}

func (c *Client) ModifyBucket(id uint64, limits qos.Limits) error {
	return c.call("Server.ModifyBucket", &BucketArgs{ID: id, Limits: limits}, &Empty{})
}

// BucketStats returns one bucket, or all of them for id 0.
func (c *Client) BucketStats(id uint64) ([]qos.Stats, error) {
	var reply BucketStatsReply
	if err := c.call("Server.BucketStats", &BucketArgs{ID: id}, &reply); err != nil {
		return nil, err
	}
	return reply.Buckets, nil
}

func (c *Client) ReplaceRules(rules []engine.Rule) (int, error) {
	var reply RulesReply
	err := c.call("Server.ReplaceRules", &RulesArgs{Records: wire.EncodeRules(rules)}, &reply)
	return reply.Count, err
}

func (c *Client) AddBindRules(rules []engine.BindRule) (int, error) {
	var reply RulesReply
	err := c.call("Server.AddBindRules", &RulesArgs{Records: wire.EncodeBindRules(rules)}, &reply)
	return reply.Count, err
}

func (c *Client) ReplaceBindRules(rules []engine.BindRule) (int, error) {
	var reply RulesReply
	err := c.call("Server.ReplaceBindRules", &RulesArgs{Records: wire.EncodeBindRules(rules)}, &reply)
	return reply.Count, err
}

func (c *Client) ProcessImagePath(pid uint32) (string, error) {
	var reply ImagePathReply
	if err := c.call("Server.ProcessImagePath", &PIDArgs{PID: pid}, &reply); err != nil {
		return "", err
	}
	return reply.Path, nil
}

func (c *Client) FlowStats() ([]flow.Stats, error) {
	var reply FlowStatsReply
	if err := c.call("Server.FlowStats", &Empty{}, &reply); err != nil {
		return nil, err
	}
	return reply.Flows, nil
}

func (c *Client) Attach(pid uint32) (*AttachReply, error) {
	var reply AttachReply
	if err := c.call("Server.Attach", &AttachArgs{PID: pid}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *Client) Detach(sessionID string) error {
	return c.call("Server.Detach", &SessionArgs{SessionID: sessionID}, &Empty{})
}

// ReadEvents waits up to timeout for outbound records. An expired wait
// returns no records and no error.
func (c *Client) ReadEvents(sessionID string, timeout time.Duration) ([]wire.Record, error) {
	var reply ReadReply
	if err := c.call("Server.ReadEvents", &ReadArgs{SessionID: sessionID, TimeoutMs: timeout.Milliseconds()}, &reply); err != nil {
		return nil, err
	}
	return DecodeRecords(reply.Data)
}

// WriteCommands submits records and returns how many bytes were consumed.
func (c *Client) WriteCommands(sessionID string, records ...wire.Record) (int, error) {
	var data []byte
	for _, r := range records {
		data = wire.AppendRecord(data, r)
	}
	var reply WriteReply
	err := c.call("Server.WriteCommands", &WriteArgs{SessionID: sessionID, Data: data}, &reply)
	return reply.Consumed, err
}

// DecodeRecords splits a filled region into records.
func DecodeRecords(b []byte) ([]wire.Record, error) {
	var out []wire.Record
	for len(b) > 0 {
		r, n, err := wire.DecodeRecord(b)
		if err != nil {
			return out, err
		}
		out = append(out, r)
		b = b[n:]
	}
	return out, nil
}
