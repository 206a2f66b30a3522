package jsonrpc2

import (
	"encoding/json"
	"sync/atomic"
)

// Client allocates call IDs and builds request messages. IDs are strictly
// increasing and never reused within the client's lifetime, even if the
// transport underneath reconnects.
type Client struct {
	id int64
}

func (c *Client) NextID() int {
	return int(atomic.AddInt64(&c.id, 1))
}

// nextIDRange reserves n consecutive IDs and returns the first one. Used for
// batch requests so a batch occupies a contiguous ID range.
func (c *Client) nextIDRange(n int) int {
	return int(atomic.AddInt64(&c.id, int64(n))) - n + 1
}

// Request builds a call message with a fresh ID and positional params.
func (c *Client) Request(method string, params ...interface{}) (*Message, error) {
	msg, err := newNotification(method, params...)
	if err != nil {
		return nil, err
	}
	if msg.ID, err = json.Marshal(c.NextID()); err != nil {
		return nil, err
	}
	return msg, nil
}

// newNotification builds a call message with no ID, so no response is ever
// produced for it.
func newNotification(method string, params ...interface{}) (*Message, error) {
	msg := &Message{
		Version: Version,
		Request: &Request{
			Method: method,
		},
	}
	if len(params) == 0 {
		return msg, nil
	}
	var err error
	if msg.Request.Params, err = json.Marshal(params); err != nil {
		return nil, err
	}
	return msg, nil
}

// BatchElem is one call within a batch. After CallBatch returns, Error holds
// the per-call outcome and Result, if non-nil, is populated on success.
type BatchElem struct {
	Method string
	Params []interface{}
	Result interface{}
	Error  error
}

// RequestBatch builds a batch message for elems with a contiguous ID range,
// returning the batch and the member messages in elem order. Members carry
// the IDs used for correlation.
func (c *Client) RequestBatch(elems []BatchElem) (*Message, []*Message, error) {
	members := make([]*Message, 0, len(elems))
	firstID := c.nextIDRange(len(elems))
	for i, elem := range elems {
		member, err := newNotification(elem.Method, elem.Params...)
		if err != nil {
			return nil, nil, err
		}
		if member.ID, err = json.Marshal(firstID + i); err != nil {
			return nil, nil, err
		}
		members = append(members, member)
	}
	return &Message{Batch: members}, members, nil
}
