package jsonrpc2

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/sync/errgroup"
)

const httpContentType = "application/json"

// DefaultMaxContentLength is the request/response body ceiling applied when
// MaxContentLength is zero: 10 MiB.
const DefaultMaxContentLength = 10 << 20

var _ http.Handler = &HTTPServer{}

// HTTPServer provides a JSONRPC2 server over HTTP by implementing
// http.Handler. Each POST body is one message (or batch); subscriptions are
// refused, they need a persistent connection.
type HTTPServer struct {
	Server

	// MaxContentLength is the request size limit. Defaults to
	// DefaultMaxContentLength; set to a negative value to disable.
	MaxContentLength int64
	// MaxConcurrentRequests bounds batch member fan-out. Defaults to
	// DefaultConcurrentRequests.
	MaxConcurrentRequests int
}

func (h *HTTPServer) maxContentLength() int64 {
	if h.MaxContentLength == 0 {
		return DefaultMaxContentLength
	}
	if h.MaxContentLength < 0 {
		return 0
	}
	return h.MaxContentLength
}

func (h *HTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && r.ContentLength == 0 && r.URL.RawQuery == "" {
		// Ignore empty GET requests
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	maxLen := h.maxContentLength()
	if maxLen > 0 && r.ContentLength > maxLen {
		writeHTTPMessage(w, errorMessage(nil, errResponse(ErrCodeOversizedMessage, "Request too large",
			(&ErrOversizedMessage{Size: r.ContentLength, Limit: maxLen}).Error())))
		return
	}

	var body io.Reader = r.Body
	if maxLen > 0 {
		body = io.LimitReader(r.Body, maxLen+1)
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		writeHTTPMessage(w, errorMessage(nil, errResponse(ErrCodeServer, "Server error", err.Error())))
		return
	}
	// Chunked bodies carry no Content-Length; the extra byte past the
	// ceiling is the tell.
	if maxLen > 0 && int64(len(payload)) > maxLen {
		writeHTTPMessage(w, errorMessage(nil, errResponse(ErrCodeOversizedMessage, "Request too large",
			(&ErrOversizedMessage{Size: int64(len(payload)), Limit: maxLen}).Error())))
		return
	}

	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		writeHTTPMessage(w, errorMessage(nil, errResponse(ErrCodeParse, "Parse error", err.Error())))
		return
	}

	resp := h.handle(r.Context(), &msg)
	if resp == nil {
		// Notification-only unit: no reply body at all.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeHTTPMessage(w, resp)
}

func (h *HTTPServer) handle(ctx context.Context, msg *Message) *Message {
	if msg.Batch != nil {
		return h.handleBatch(ctx, msg.Batch)
	}
	if errResp := msg.Validate(); errResp != nil {
		return errorMessage(msg.ID, errResp)
	}
	if msg.Request == nil {
		return errorMessage(msg.ID, errResponse(ErrCodeInvalidRequest, "Invalid request", "expected a request"))
	}
	return h.Server.Handle(ctx, msg)
}

// handleBatch fans batch members out under the concurrency bound and
// collects member responses, correlated by ID with no ordering guarantee. A
// batch of only notifications yields nil.
func (h *HTTPServer) handleBatch(ctx context.Context, members []*Message) *Message {
	if len(members) == 0 {
		return errorMessage(nil, errResponse(ErrCodeInvalidRequest, "Invalid request", "empty batch"))
	}

	limit := h.MaxConcurrentRequests
	if limit <= 0 {
		limit = DefaultConcurrentRequests
	}
	responses := make([]*Message, len(members))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, member := range members {
		i, member := i, member
		g.Go(func() error {
			if member == nil {
				responses[i] = errorMessage(nil, errResponse(ErrCodeInvalidRequest, "Invalid request", "null batch member"))
				return nil
			}
			responses[i] = h.handle(ctx, member)
			return nil
		})
	}
	g.Wait()

	reply := make([]*Message, 0, len(responses))
	for _, resp := range responses {
		if resp != nil {
			reply = append(reply, resp)
		}
	}
	if len(reply) == 0 {
		return nil
	}
	return &Message{Batch: reply}
}

func writeHTTPMessage(w http.ResponseWriter, msg *Message) {
	w.Header().Set("Content-Type", httpContentType)
	if err := json.NewEncoder(w).Encode(msg); err != nil {
		logger.Printf("HTTPServer: failed to write response: %s", err)
	}
}

var _ Service = &HTTPService{}

// HTTPService is a client-side Service over plain HTTP request/response.
// Every call is its own POST; there is no connection state and no
// subscription support.
type HTTPService struct {
	Client
	HTTPClient http.Client

	// Endpoint is the HTTP URL to dial for RPC calls.
	Endpoint string
	// MaxContentLength is the response size limit. Defaults to
	// DefaultMaxContentLength; set to a negative value to disable.
	MaxContentLength int64
}

func (service *HTTPService) maxContentLength() int64 {
	if service.MaxContentLength == 0 {
		return DefaultMaxContentLength
	}
	if service.MaxContentLength < 0 {
		return 0
	}
	return service.MaxContentLength
}

// post sends one message and decodes the reply body, or returns nil for an
// empty reply.
func (service *HTTPService) post(ctx context.Context, msg *Message) (*Message, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, service.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", httpContentType)
	req.Header.Set("Accept", httpContentType)

	resp, err := service.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, HTTPRequestError{
			Response: resp,
			Reason:   fmt.Sprintf("bad status code: %d", resp.StatusCode),
		}
	}
	if resp.StatusCode == http.StatusNoContent || resp.ContentLength == 0 {
		return nil, nil
	}
	maxLen := service.maxContentLength()
	if maxLen > 0 && resp.ContentLength > maxLen {
		return nil, HTTPRequestError{
			Response: resp,
			Reason:   "response too large",
		}
	}

	var r io.Reader = resp.Body
	if maxLen > 0 {
		r = io.LimitReader(resp.Body, maxLen+1)
	}
	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if maxLen > 0 && int64(len(payload)) > maxLen {
		return nil, HTTPRequestError{
			Response: resp,
			Reason:   "response too large",
		}
	}
	if len(payload) == 0 {
		return nil, nil
	}

	var respMsg Message
	if err := json.Unmarshal(payload, &respMsg); err != nil {
		return nil, err
	}
	return &respMsg, nil
}

func (service *HTTPService) Call(ctx context.Context, result interface{}, method string, params ...interface{}) error {
	msg, err := service.Client.Request(method, params...)
	if err != nil {
		return err
	}
	respMsg, err := service.post(ctx, msg)
	if err != nil {
		return err
	}
	if respMsg == nil || respMsg.Response == nil {
		return HTTPRequestError{Reason: "missing response in RPC message"}
	}
	return respMsg.UnmarshalResult(result)
}

// Notify sends a one-way call; the empty reply is discarded.
func (service *HTTPService) Notify(ctx context.Context, method string, params ...interface{}) error {
	msg, err := newNotification(method, params...)
	if err != nil {
		return err
	}
	_, err = service.post(ctx, msg)
	return err
}

// CallBatch sends every element of batch as one POST body and correlates the
// reply members to elements by ID.
func (service *HTTPService) CallBatch(ctx context.Context, batch []BatchElem) error {
	if len(batch) == 0 {
		return nil
	}
	msg, members, err := service.Client.RequestBatch(batch)
	if err != nil {
		return err
	}
	respMsg, err := service.post(ctx, msg)
	if err != nil {
		return err
	}

	byID := map[string]*Message{}
	if respMsg != nil {
		for _, member := range respMsg.Batch {
			if member != nil && len(member.ID) > 0 {
				byID[string(member.ID)] = member
			}
		}
	}
	for i := range batch {
		member, ok := byID[string(members[i].ID)]
		if !ok {
			batch[i].Error = HTTPRequestError{Reason: "missing response for batch member"}
			continue
		}
		batch[i].Error = member.UnmarshalResult(batch[i].Result)
	}
	return nil
}

// HTTPRequestError is used when RPC over HTTP encounters an error during transport.
type HTTPRequestError struct {
	Response *http.Response
	Reason   string
}

func (err HTTPRequestError) Error() string {
	return fmt.Sprintf("http rpc request error: %s", err.Reason)
}
