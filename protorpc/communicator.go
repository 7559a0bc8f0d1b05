package protorpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glycerine/idem"
	"github.com/glycerine/peerwire/events"
)

// Handler serves one registered method. req is the raw request
// body; the returned bytes become the response body.
type Handler func(ctx context.Context, req []byte, cc *CallContext) ([]byte, error)

// RegisteredMethod is one entry in the dispatch table.
type RegisteredMethod struct {
	Name         string
	RequestType  string
	ResponseType string
	Handler      Handler
}

// OutgoingMessage is emitted for every envelope the
// Communicator wants delivered: requests, notifications and
// responses alike. Delivery is the listener's job.
type OutgoingMessage struct {
	Bytes       []byte
	Msg         *RpcMessage
	CallContext *CallContext
}

// pending is an outstanding request awaiting its response.
type pending struct {
	requestID string
	method    string
	fut       *Future
	sent      time.Time
	deadline  time.Time
	item      *deadlineItem
}

// Communicator correlates requests with responses and
// dispatches incoming requests to registered handlers.
// It never touches a socket; bytes leave through the
// outgoingMessage listeners and arrive via HandleIncomingMessage.
type Communicator struct {
	cfg  Config
	halt *idem.Halter

	// ctx is cancelled by Stop, releasing handlers.
	ctx    context.Context
	cancel context.CancelFunc

	mut     sync.Mutex
	stopped bool
	pending map[string]*pending
	dq      deadlineQ
	methods map[string]*RegisteredMethod

	wake     chan struct{}
	outgoing events.Emitter[*OutgoingMessage]
	stats    *rttStats
}

// NewCommunicator returns a running Communicator. cfg may be nil.
func NewCommunicator(cfg *Config) *Communicator {
	if cfg == nil {
		cfg = NewConfig()
	}
	c := &Communicator{
		cfg:     *cfg,
		halt:    idem.NewHalterNamed("Communicator " + cfg.Name),
		pending: make(map[string]*pending),
		methods: make(map[string]*RegisteredMethod),
		wake:    make(chan struct{}, 1),
		stats:   newRttStats(),
	}
	if c.cfg.RpcRequestTimeout <= 0 {
		c.cfg.RpcRequestTimeout = DefaultRpcRequestTimeout
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	go c.timeoutLoop()
	return c
}

// OnOutgoingMessage subscribes fn to every envelope sent.
func (c *Communicator) OnOutgoingMessage(fn func(*OutgoingMessage)) events.ListenerID {
	return c.outgoing.On(fn)
}

func (c *Communicator) OffOutgoingMessage(id events.ListenerID) bool {
	return c.outgoing.Off(id)
}

// RegisterRpcMethod installs h for name, replacing any
// earlier registration. requestType and responseType
// describe the bodies; they are informational.
func (c *Communicator) RegisterRpcMethod(requestType, responseType, name string, h Handler) {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.stopped {
		return
	}
	c.methods[name] = &RegisteredMethod{
		Name:         name,
		RequestType:  requestType,
		ResponseType: responseType,
		Handler:      h,
	}
}

// GetRegisteredMethod returns the dispatch entry for name, or nil.
func (c *Communicator) GetRegisteredMethod(name string) *RegisteredMethod {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.methods[name]
}

// PendingCount reports outstanding requests.
func (c *Communicator) PendingCount() int {
	c.mut.Lock()
	defer c.mut.Unlock()
	return len(c.pending)
}

// RttSummary returns round trip quantiles of resolved calls.
func (c *Communicator) RttSummary() RttSummary {
	return c.stats.summary()
}

func (c *Communicator) timeoutFor(cc *CallContext) time.Duration {
	if cc != nil && cc.Timeout > 0 {
		return cc.Timeout
	}
	return c.cfg.RpcRequestTimeout
}

// CallAsync sends a request and returns its Future along
// with the requestId used. The Future always settles: by
// response, by timeout, or by Stop.
func (c *Communicator) CallAsync(method string, body []byte, cc *CallContext) (fut *Future, requestID string) {
	fut = newFuture()
	msg := newRequestMessage(method, KindRequest, body)
	by, err := msg.MarshalMsg(nil)
	if err != nil {
		fut.Reject(&RpcError{Code: CodeFailedToSerialize, Msg: ErrFailedToSerialize.Msg, Detail: err.Error()})
		return
	}

	now := time.Now()
	c.mut.Lock()
	if c.stopped {
		c.mut.Unlock()
		fut.Reject(ErrCommunicatorStopped)
		return
	}
	for {
		if _, taken := c.pending[msg.RequestID]; !taken {
			break
		}
		// re-encode with a fresh id; the old one is still in flight.
		msg.RequestID = NewRequestID()
		by, _ = msg.MarshalMsg(nil)
	}
	requestID = msg.RequestID
	p := &pending{
		requestID: requestID,
		method:    method,
		fut:       fut,
		sent:      now,
		deadline:  now.Add(c.timeoutFor(cc)),
	}
	p.item = c.dq.add(p)
	c.pending[requestID] = p
	c.mut.Unlock()

	c.wakeTimer()
	pp("%v CallAsync method '%v' requestId '%v'", c.cfg.Name, method, requestID)
	c.outgoing.Emit(&OutgoingMessage{Bytes: by, Msg: msg, CallContext: cc})
	return
}

// CallRaw sends a request and waits for its outcome. If ctx
// finishes first the request is withdrawn and ctx.Err() returned.
func (c *Communicator) CallRaw(ctx context.Context, method string, body []byte, cc *CallContext) ([]byte, error) {
	fut, requestID := c.CallAsync(method, body, cc)
	resp, err := fut.Wait(ctx)
	if err != nil && ctx.Err() != nil && fut.State() == FuturePending {
		c.withdraw(requestID, ctx.Err())
		// the response may have raced in ahead of withdraw.
		return fut.Wait(context.Background())
	}
	return resp, err
}

// Notify sends a one-way request; no response will come.
func (c *Communicator) Notify(method string, body []byte, cc *CallContext) error {
	c.mut.Lock()
	stopped := c.stopped
	c.mut.Unlock()
	if stopped {
		return ErrCommunicatorStopped
	}
	msg := newRequestMessage(method, KindNotification, body)
	by, err := msg.MarshalMsg(nil)
	if err != nil {
		return &RpcError{Code: CodeFailedToSerialize, Msg: ErrFailedToSerialize.Msg, Detail: err.Error()}
	}
	c.outgoing.Emit(&OutgoingMessage{Bytes: by, Msg: msg, CallContext: cc})
	return nil
}

// withdraw removes a still pending request and rejects it with err.
func (c *Communicator) withdraw(requestID string, err error) bool {
	c.mut.Lock()
	p := c.removePendingLocked(requestID)
	c.mut.Unlock()
	if p != nil {
		return p.fut.Reject(err)
	}
	return false
}

// RejectPending fails an outstanding request early, for example
// when the transport cannot deliver it or its peer went away.
// Returns false if requestID was not pending.
func (c *Communicator) RejectPending(requestID string, err error) bool {
	return c.withdraw(requestID, err)
}

// IsPending reports whether requestID still awaits its outcome.
func (c *Communicator) IsPending(requestID string) bool {
	c.mut.Lock()
	defer c.mut.Unlock()
	_, ok := c.pending[requestID]
	return ok
}

func (c *Communicator) removePendingLocked(requestID string) *pending {
	p, ok := c.pending[requestID]
	if !ok {
		return nil
	}
	delete(c.pending, requestID)
	if p.item != nil && p.item.index >= 0 {
		c.dq.delOneItem(p.item)
	}
	return p
}

// HandleIncomingMessage takes one serialized envelope from the
// transport. Responses settle their pending request; requests
// and notifications are dispatched on their own goroutine.
// cc is passed to handlers and used to route the response.
func (c *Communicator) HandleIncomingMessage(by []byte, cc *CallContext) error {
	c.mut.Lock()
	stopped := c.stopped
	c.mut.Unlock()
	if stopped {
		return ErrCommunicatorStopped
	}
	msg, err := ParseRpcMessage(by)
	if err != nil {
		return &RpcError{Code: CodeFailedToParse, Msg: ErrFailedToParse.Msg, Detail: err.Error()}
	}
	switch msg.Kind() {
	case KindResponse:
		c.handleResponse(msg)
	default:
		go c.handleRequest(msg, cc)
	}
	return nil
}

func (c *Communicator) handleResponse(msg *RpcMessage) {
	c.mut.Lock()
	p := c.removePendingLocked(msg.RequestID)
	c.mut.Unlock()
	if p == nil {
		// late, duplicate, or never ours.
		pp("%v ignoring response for unknown requestId '%v'", c.cfg.Name, msg.RequestID)
		return
	}
	if rerr := errorFromResponse(msg); rerr != nil {
		p.fut.Reject(rerr)
		return
	}
	c.stats.add(time.Since(p.sent))
	p.fut.Resolve(msg.Body)
}

type handlerResult struct {
	body []byte
	err  error
}

func (c *Communicator) handleRequest(req *RpcMessage, cc *CallContext) {
	method := req.Method()
	isNote := req.Kind() == KindNotification

	c.mut.Lock()
	rm := c.methods[method]
	c.mut.Unlock()

	if rm == nil {
		if isNote {
			pp("%v dropping notification for unregistered method '%v'", c.cfg.Name, method)
			return
		}
		c.respond(newResponseMessage(req, nil, ResponseUnknownRpcMethod), cc)
		return
	}

	ctx := c.ctx
	if c.cfg.ServerHandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ServerHandlerTimeout)
		defer cancel()
	}

	resCh := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- handlerResult{err: fmt.Errorf("handler for '%v' panicked: %v", method, r)}
			}
		}()
		body, err := rm.Handler(ctx, req.Body, cc)
		resCh <- handlerResult{body: body, err: err}
	}()

	var resp *RpcMessage
	select {
	case res := <-resCh:
		resp = c.resultResponse(ctx, req, res)
	case <-ctx.Done():
		if c.ctx.Err() == nil {
			resp = newResponseMessage(req, nil, ResponseServerTimeout)
		}
	}
	if resp == nil {
		// stopped; nobody to answer for.
		return
	}
	if isNote {
		return
	}
	c.respond(resp, cc)
}

// resultResponse turns a handler's return into the response to
// req. A handler that returns an error once its deadline has
// passed is reported as a server timeout. Nil once stopped.
func (c *Communicator) resultResponse(ctx context.Context, req *RpcMessage, res handlerResult) *RpcMessage {
	switch {
	case res.err == nil:
		return newResponseMessage(req, res.body, ResponseNone)
	case c.ctx.Err() != nil:
		return nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return newResponseMessage(req, nil, ResponseServerTimeout)
	}
	resp := newResponseMessage(req, nil, ResponseServerError)
	resp.ErrorMessage = res.err.Error()
	return resp
}

func (c *Communicator) respond(resp *RpcMessage, cc *CallContext) {
	c.mut.Lock()
	stopped := c.stopped
	c.mut.Unlock()
	if stopped {
		return
	}
	by, err := resp.MarshalMsg(nil)
	if err != nil {
		alwaysPrintf("%v could not serialize response to '%v': '%v'", c.cfg.Name, resp.RequestID, err)
		return
	}
	c.outgoing.Emit(&OutgoingMessage{Bytes: by, Msg: resp, CallContext: cc})
}

func (c *Communicator) wakeTimer() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// timeoutLoop fires RpcTimeout for requests whose deadline passed.
func (c *Communicator) timeoutLoop() {
	defer c.halt.Done.Close()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		next := time.Hour
		c.mut.Lock()
		if top := c.dq.peek(); top != nil {
			next = time.Until(top.priority)
			if next < 0 {
				next = 0
			}
		}
		c.mut.Unlock()
		timer.Reset(next)

		select {
		case <-timer.C:
			c.expire(time.Now())
		case <-c.wake:
		case <-c.halt.ReqStop.Chan:
			return
		}
	}
}

func (c *Communicator) expire(now time.Time) {
	c.mut.Lock()
	expired := c.dq.popExpired(now)
	for _, p := range expired {
		delete(c.pending, p.requestID)
	}
	c.mut.Unlock()

	for _, p := range expired {
		pp("%v request '%v' method '%v' timed out", c.cfg.Name, p.requestID, p.method)
		p.fut.Reject(&RpcError{
			Code:   CodeRpcTimeout,
			Msg:    ErrRpcTimeout.Msg,
			Detail: "method " + p.method,
		})
	}
}

// Stop rejects every pending request with CommunicatorStopped,
// clears registrations, and ends the timeout goroutine.
// Safe to call more than once.
func (c *Communicator) Stop() {
	c.mut.Lock()
	if c.stopped {
		c.mut.Unlock()
		return
	}
	c.stopped = true
	outstanding := c.pending
	c.pending = make(map[string]*pending)
	c.dq = nil
	c.methods = make(map[string]*RegisteredMethod)
	c.mut.Unlock()

	c.cancel()
	c.halt.ReqStop.Close()
	<-c.halt.Done.Chan

	for _, p := range outstanding {
		p.fut.Reject(ErrCommunicatorStopped)
	}
	c.outgoing.RemoveAll()
}
