// SPDX-FileCopyrightText: 2026 Bill Wright
// SPDX-License-Identifier: Apache-2.0

// Package gravity is the Node Facade (spec.md sec 4.1): the public
// surface an application uses to publish data products, subscribe to
// them, expose and call request/reply services, and advertise liveness,
// all translated into control calls against the per-manager internals in
// internal/subscription, internal/publish, internal/request,
// internal/service, and internal/heartbeat, plus a direct REQ/REP
// round-trip against the Service Directory in internal/directory.
// Grounded on the teacher's NewServer/functional-option constructor
// shape (server.go, server_options.go) and its Start/Stop idempotence
// locking.
package gravity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/req"

	_ "go.nanomsg.org/mangos/v3/transport/inproc"
	_ "go.nanomsg.org/mangos/v3/transport/tcp"

	"github.com/bill-wright/gravity/internal/heartbeat"
	"github.com/bill-wright/gravity/internal/netutil"
	"github.com/bill-wright/gravity/internal/publish"
	"github.com/bill-wright/gravity/internal/registry"
	"github.com/bill-wright/gravity/internal/request"
	"github.com/bill-wright/gravity/internal/service"
	"github.com/bill-wright/gravity/internal/subscription"
	"github.com/bill-wright/gravity/internal/wire"
)

const (
	defaultNetworkRetries = 3
	defaultNetworkTimeout = 2 * time.Second

	// defaultHeartbeatPort is used only when StartHeartbeat's port
	// argument is <= 0. Spec.md sec 9 Open Question 2 notes the source
	// hard-codes this port and ignores the parameter; this rewrite
	// honors the parameter instead (see DESIGN.md).
	defaultHeartbeatPort = 54541
)

// DataListener receives data products for a subscription (spec.md sec
// 4.1 subscribe/sec 4.2).
type DataListener func(productID string, dp wire.DataProduct)

// RequestorCallback receives the outcome of an outbound request (spec.md
// sec 4.1 request/sec 4.4).
type RequestorCallback func(result request.Result)

// Result is the outcome delivered to a RequestorCallback.
type Result = request.Result

// ServiceProvider handles an incoming service request (spec.md sec 4.1
// registerService/sec 4.5).
type ServiceProvider = service.Provider

type subBinding struct {
	productID string
	filter    string
	urls      []string
}

// Node wires together every manager for one process and exposes the
// stable public API of spec.md sec 4.1. Construct with New, call Init
// once, then use the registration/subscribe/publish/request surface.
type Node struct {
	componentID  string
	domain       string
	directoryURL string
	localIP      string
	log          zerolog.Logger

	retries int
	timeout time.Duration

	sub *subscription.Manager
	pub *publish.Manager
	req *request.Manager
	svc *service.Manager

	listeners  *registry.Registry[DataListener]
	requestors *registry.Registry[RequestorCallback]

	lock        sync.Mutex
	initialized bool
	dataURLs    map[string]string
	serviceURLs map[string]string
	subBindings map[registry.Handle]subBinding

	heartbeatStarted  bool
	heartbeatPub      *heartbeat.Publisher
	heartbeatListener *heartbeat.Listener
}

// New constructs a Node from opts. The node is inert until Init succeeds.
func New(opts ...Option) (*Node, error) {
	n := &Node{
		retries:     defaultNetworkRetries,
		timeout:     defaultNetworkTimeout,
		log:         zerolog.Nop(),
		dataURLs:    make(map[string]string),
		serviceURLs: make(map[string]string),
		subBindings: make(map[registry.Handle]subBinding),
	}

	for _, opt := range opts {
		opt(n)
	}

	if n.componentID == "" {
		return nil, errors.New("gravity: component id is required")
	}
	if n.directoryURL == "" {
		return nil, errors.New("gravity: directory url is required")
	}
	if n.domain == "" {
		n.domain = "default"
	}

	n.listeners = registry.New[DataListener]()
	n.requestors = registry.New[RequestorCallback]()
	n.req = request.New(n.dispatchRequestResult, n.log)
	n.svc = service.New(n.log)
	n.pub = publish.New(n.log)
	n.sub = subscription.New(n.dispatchSubscription, 250*time.Millisecond, n.log)

	return n, nil
}

// Init resolves this node's local IP and marks it ready for use. It
// traps SIGINT/SIGTERM for the duration of that resolution, restoring
// the previous disposition and re-raising the signal to the process if
// one arrives before the barrier clears (spec.md sec 4.1, sec 5, sec 9
// design note "Signal handling"). Idempotent-unsafe by contract: a
// second call on an already-initialized node reports
// ALREADY_INITIALIZED.
func (n *Node) Init() ReturnCode {
	n.lock.Lock()
	if n.initialized {
		n.lock.Unlock()
		return AlreadyInitialized
	}
	n.lock.Unlock()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	type result struct {
		ip  string
		err error
	}
	done := make(chan result, 1)
	go func() {
		ip, err := netutil.LocalIP(netutil.Host(n.directoryURL))
		done <- result{ip: ip, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			n.log.Warn().Err(r.err).Msg("failed to resolve local ip during init")
			return Failure
		}

		n.lock.Lock()
		n.localIP = r.ip
		n.initialized = true
		n.lock.Unlock()

		n.log.Info().Str("component_id", n.componentID).Str("local_ip", r.ip).Msg("node initialized")
		return Success

	case sig := <-sigCh:
		signal.Stop(sigCh)
		if p, err := os.FindProcess(os.Getpid()); err == nil {
			_ = p.Signal(sig)
		}
		return Interrupted
	}
}

// LocalIP returns the outbound IP address resolved during Init, used to
// build reachable bind URLs for data products and services.
func (n *Node) LocalIP() string {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.localIP
}

// RegisterDataProduct binds url in the Publish Manager for id, then
// registers it with the Service Directory (spec.md sec 4.1).
func (n *Node) RegisterDataProduct(id, url string) ReturnCode {
	bindURL := netutil.NormalizeBindHost(url)

	if err := n.pub.Register(id, bindURL); err != nil {
		n.log.Warn().Err(err).Str("product_id", id).Msg("local publish registration failed")
		return RegistrationConflict
	}

	code := n.directoryRegister(id, bindURL, wire.DATA)
	if code != Success && code != Duplicate {
		_ = n.pub.Unregister(id)
		return code
	}

	n.lock.Lock()
	n.dataURLs[id] = bindURL
	n.lock.Unlock()
	return code
}

// UnregisterDataProduct reverses RegisterDataProduct. Tolerates absence
// with REGISTRATION_CONFLICT (spec.md sec 4.1).
func (n *Node) UnregisterDataProduct(id string) ReturnCode {
	n.lock.Lock()
	url, ok := n.dataURLs[id]
	if ok {
		delete(n.dataURLs, id)
	}
	n.lock.Unlock()

	if !ok {
		return RegistrationConflict
	}

	code := n.directoryUnregister(id, url, wire.DATA)
	_ = n.pub.Unregister(id)
	return code
}

// Subscribe looks up id's publisher set at the directory and subscribes
// to each returned URL (spec.md sec 4.1/4.2).
func (n *Node) Subscribe(id string, filter string, listener DataListener) (registry.Handle, ReturnCode) {
	urls, code := n.lookupData(id)
	if code != Success {
		return 0, code
	}
	if len(urls) == 0 {
		return 0, NoSuchDataProduct
	}

	handle := n.listeners.Register(listener)

	for _, url := range urls {
		if err := n.sub.Subscribe(id, url, filter, subscription.ListenerHandle(handle)); err != nil {
			n.log.Warn().Err(err).Str("product_id", id).Str("url", url).Msg("subscribe failed")
		}
	}

	n.lock.Lock()
	n.subBindings[handle] = subBinding{productID: id, filter: filter, urls: urls}
	n.lock.Unlock()

	return handle, Success
}

// Unsubscribe removes a binding previously returned by Subscribe.
func (n *Node) Unsubscribe(handle registry.Handle) ReturnCode {
	n.lock.Lock()
	b, ok := n.subBindings[handle]
	if ok {
		delete(n.subBindings, handle)
	}
	n.lock.Unlock()

	if !ok {
		return RegistrationConflict
	}

	for _, url := range b.urls {
		if err := n.sub.Unsubscribe(b.productID, b.filter, subscription.ListenerHandle(handle)); err != nil {
			n.log.Warn().Err(err).Str("product_id", b.productID).Str("url", url).Msg("unsubscribe failed")
		}
	}
	n.listeners.Unregister(handle)
	return Success
}

// Publish stamps body with the current time and forwards it to the
// Publish Manager (spec.md sec 4.1).
func (n *Node) Publish(productID string, filterText string, body []byte) ReturnCode {
	if err := n.pub.Publish(productID, filterText, body, time.Now().UnixMicro()); err != nil {
		n.log.Warn().Err(err).Str("product_id", productID).Msg("publish failed")
		return Failure
	}
	return Success
}

// RegisterService binds url in the Service Manager for id, then
// registers it with the Service Directory (spec.md sec 4.1).
func (n *Node) RegisterService(id, url string, provider ServiceProvider) ReturnCode {
	bindURL := netutil.NormalizeBindHost(url)

	if err := n.svc.Register(id, bindURL, provider); err != nil {
		n.log.Warn().Err(err).Str("service_id", id).Msg("local service registration failed")
		return RegistrationConflict
	}

	code := n.directoryRegister(id, bindURL, wire.SERVICE)
	if code != Success && code != Duplicate {
		_ = n.svc.Unregister(id)
		return code
	}

	n.lock.Lock()
	n.serviceURLs[id] = bindURL
	n.lock.Unlock()
	return code
}

// UnregisterService reverses RegisterService.
func (n *Node) UnregisterService(id string) ReturnCode {
	n.lock.Lock()
	url, ok := n.serviceURLs[id]
	if ok {
		delete(n.serviceURLs, id)
	}
	n.lock.Unlock()

	if !ok {
		return RegistrationConflict
	}

	code := n.directoryUnregister(id, url, wire.SERVICE)
	_ = n.svc.Unregister(id)
	return code
}

// Request looks up serviceID's URL and forwards a bounded-retry request
// to it (spec.md sec 4.1/4.4). An empty requestID is replaced with a
// generated one so callers don't have to mint their own correlation ids.
func (n *Node) Request(serviceID, requestID string, payload []byte, callback RequestorCallback) ReturnCode {
	url, code := n.lookupService(serviceID)
	if code != Success {
		return code
	}
	if url == "" {
		return NoServiceProvider
	}

	if requestID == "" {
		requestID = uuid.NewString()
	}

	handle := n.requestors.Register(callback)
	n.req.Request(url, requestID, payload, request.RequestorHandle(handle), n.retries, n.timeout)
	return Success
}

// StartHeartbeat registers a data product named by this node's component
// id and begins publishing a Heartbeat message under it at the given
// microsecond interval. port selects the bind port; a value <= 0 falls
// back to defaultHeartbeatPort. Re-invocation fails with
// ALREADY_STARTED (spec.md sec 4.1).
func (n *Node) StartHeartbeat(intervalUS int64, port int) ReturnCode {
	n.lock.Lock()
	if n.heartbeatStarted {
		n.lock.Unlock()
		return AlreadyStarted
	}
	n.heartbeatStarted = true
	n.lock.Unlock()

	if port <= 0 {
		port = defaultHeartbeatPort
	}
	url := fmt.Sprintf("tcp://%s:%d", n.localIP, port)

	if code := n.RegisterDataProduct(n.componentID, url); code != Success && code != Duplicate {
		n.lock.Lock()
		n.heartbeatStarted = false
		n.lock.Unlock()
		return code
	}

	n.heartbeatPub = heartbeat.NewPublisher(n.componentID, time.Duration(intervalUS)*time.Microsecond, n.pub.Publish, n.log)
	if err := n.heartbeatPub.Start(); err != nil {
		n.log.Warn().Err(err).Msg("failed to start heartbeat publisher")
		return Failure
	}
	return Success
}

// RegisterHeartbeatListener subscribes to componentID's heartbeat
// product and watches it for timeouts, lazily starting the shared
// Heartbeat Listener on first use (spec.md sec 4.1/4.7).
func (n *Node) RegisterHeartbeatListener(componentID string, maxInterarrivalUS int64, cb heartbeat.Callbacks) ReturnCode {
	n.lock.Lock()
	if n.heartbeatListener == nil {
		n.heartbeatListener = heartbeat.New(n.log)
		_ = n.heartbeatListener.Start(50 * time.Millisecond)
	}
	listener := n.heartbeatListener
	n.lock.Unlock()

	_, code := n.Subscribe(componentID, "", func(_ string, dp wire.DataProduct) {
		var hb wire.Heartbeat
		if err := wire.Decode(dp.Body, &hb); err != nil {
			n.log.Warn().Err(err).Str("component_id", componentID).Msg("failed to decode heartbeat")
			return
		}
		listener.OnHeartbeat(hb.ComponentID)
	})
	if code != Success {
		return code
	}

	listener.Watch(componentID, time.Duration(maxInterarrivalUS)*time.Microsecond, cb)
	return Success
}

// Close tears down every manager this node owns. Safe to call once,
// after which the Node cannot be reused (spec.md sec 5 teardown order:
// kill every manager before releasing shared resources).
func (n *Node) Close() error {
	if n.heartbeatPub != nil {
		_ = n.heartbeatPub.Stop()
	}
	if n.heartbeatListener != nil {
		_ = n.heartbeatListener.Stop()
	}
	return errors.Join(
		n.sub.Close(),
		n.pub.Close(),
		n.req.Close(),
		n.svc.Close(),
	)
}

func (n *Node) lookupData(id string) ([]string, ReturnCode) {
	payload, err := wire.EncodeEnvelope(wire.ComponentLookupRequestID, &wire.ComponentLookupRequest{
		LookupID: id, Type: wire.DATA,
	})
	if err != nil {
		return nil, Failure
	}

	reply, err := n.directoryRoundTrip(payload)
	if err != nil {
		return nil, NoServiceDirectory
	}

	var env wire.Envelope
	if err := wire.Decode(reply, &env); err != nil {
		return nil, LinkError
	}
	var resp wire.ComponentDataLookupResponse
	if err := wire.Decode(env.Payload, &resp); err != nil {
		return nil, LinkError
	}
	return resp.URL, Success
}

func (n *Node) lookupService(id string) (string, ReturnCode) {
	payload, err := wire.EncodeEnvelope(wire.ComponentLookupRequestID, &wire.ComponentLookupRequest{
		LookupID: id, Type: wire.SERVICE,
	})
	if err != nil {
		return "", Failure
	}

	reply, err := n.directoryRoundTrip(payload)
	if err != nil {
		return "", NoServiceDirectory
	}

	var env wire.Envelope
	if err := wire.Decode(reply, &env); err != nil {
		return "", LinkError
	}
	var resp wire.ComponentServiceLookupResponse
	if err := wire.Decode(env.Payload, &resp); err != nil {
		return "", LinkError
	}
	return resp.URL, Success
}

func (n *Node) directoryRegister(id, url string, kind wire.Kind) ReturnCode {
	payload, err := wire.EncodeEnvelope(wire.RegistrationRequestID, &wire.ServiceDirectoryRegistration{
		ID: id, URL: url, Type: kind, ComponentID: n.componentID,
	})
	if err != nil {
		return Failure
	}

	reply, err := n.directoryRoundTrip(payload)
	if err != nil {
		return NoServiceDirectory
	}

	var env wire.Envelope
	if err := wire.Decode(reply, &env); err != nil {
		return LinkError
	}
	var resp wire.ServiceDirectoryResponse
	if err := wire.Decode(env.Payload, &resp); err != nil {
		return LinkError
	}
	return fromSDReturnCode(resp.ReturnCode)
}

func (n *Node) directoryUnregister(id, url string, kind wire.Kind) ReturnCode {
	payload, err := wire.EncodeEnvelope(wire.UnregistrationRequestID, &wire.ServiceDirectoryUnregistration{
		ID: id, URL: url, Type: kind,
	})
	if err != nil {
		return Failure
	}

	reply, err := n.directoryRoundTrip(payload)
	if err != nil {
		return NoServiceDirectory
	}

	var env wire.Envelope
	if err := wire.Decode(reply, &env); err != nil {
		return LinkError
	}
	var resp wire.ServiceDirectoryResponse
	if err := wire.Decode(env.Payload, &resp); err != nil {
		return LinkError
	}
	return fromSDReturnCode(resp.ReturnCode)
}

// fromSDReturnCode maps the directory's own return code (wire.SDReturnCode)
// to the Node Facade's public ReturnCode (spec.md sec 7).
func fromSDReturnCode(code wire.SDReturnCode) ReturnCode {
	switch code {
	case wire.SDSuccess:
		return Success
	case wire.SDDuplicateRegistration:
		return Duplicate
	case wire.SDRegistrationConflict:
		return RegistrationConflict
	case wire.SDNotRegistered:
		return RegistrationConflict
	default:
		return Failure
	}
}

// directoryRoundTrip sends payload to the directory and returns its
// reply, retrying with a fresh REQ socket up to n.retries times (spec.md
// sec 4.1 "Directory round-trip protocol"): one initial attempt plus up
// to n.retries more, so total wall time is at most
// n.timeout x (n.retries+1) plus slack (see DESIGN.md, Known limitations).
func (n *Node) directoryRoundTrip(payload []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= n.retries; attempt++ {
		reply, err := n.directoryAttempt(payload)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		n.log.Warn().Err(err).Int("attempt", attempt).Msg("directory round trip attempt failed")
	}
	return nil, fmt.Errorf("gravity: directory unreachable after %d retries: %w", n.retries, lastErr)
}

func (n *Node) directoryAttempt(payload []byte) ([]byte, error) {
	sock, err := req.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("gravity: new req socket: %w", err)
	}
	defer sock.Close()

	if err := sock.SetOption(mangos.OptionSendDeadline, n.timeout); err != nil {
		return nil, err
	}
	if err := sock.SetOption(mangos.OptionRecvDeadline, n.timeout); err != nil {
		return nil, err
	}
	if err := sock.Dial(n.directoryURL); err != nil {
		return nil, fmt.Errorf("gravity: dial %s: %w", n.directoryURL, err)
	}

	if err := sock.Send(payload); err != nil {
		return nil, fmt.Errorf("gravity: send: %w", err)
	}

	buf, err := sock.Recv()
	if err != nil {
		if errors.Is(err, mangos.ErrRecvTimeout) {
			return nil, fmt.Errorf("gravity: %w", context.DeadlineExceeded)
		}
		return nil, fmt.Errorf("gravity: recv: %w", err)
	}
	return buf, nil
}

func (n *Node) dispatchSubscription(handle subscription.ListenerHandle, productID string, dp wire.DataProduct) {
	listener, ok := n.listeners.Resolve(registry.Handle(handle))
	if !ok {
		return
	}
	listener(productID, dp)
}

func (n *Node) dispatchRequestResult(handle request.RequestorHandle, result request.Result) {
	h := registry.Handle(handle)
	cb, ok := n.requestors.Resolve(h)
	if !ok {
		return
	}
	n.requestors.Unregister(h)
	cb(result)
}
