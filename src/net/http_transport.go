package net

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	cm "github.com/hgnetwork/pulse/src/common"
	"github.com/sirupsen/logrus"
)

var (
	// ErrTransportShutdown is returned when operations on a transport are
	// invoked after it's been terminated.
	ErrTransportShutdown = errors.New("transport shutdown")
)

// HTTPTransport implements the Transport interface with JSON over HTTP. The
// listener is bound when the transport is created, Listen starts serving.
type HTTPTransport struct {
	listener      net.Listener
	advertiseAddr string
	server        *http.Server
	client        *HTTPClient
	router        *mux.Router

	consumeCh chan RPC

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	timeout time.Duration
	logger  *logrus.Entry
}

// NewHTTPTransport binds bindAddr and returns a transport whose outbound calls
// time out after timeout. advertiseAddr is the URL other nodes use to reach
// us. If empty, it is derived from the bound address.
func NewHTTPTransport(
	bindAddr string,
	advertiseAddr string,
	timeout time.Duration,
	logger *logrus.Entry,
) (*HTTPTransport, error) {

	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	list, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("binding %s: %w", bindAddr, err)
	}

	if advertiseAddr == "" {
		advertiseAddr = "http://" + list.Addr().String()
	}

	trans := &HTTPTransport{
		listener:      list,
		advertiseAddr: strings.TrimRight(advertiseAddr, "/"),
		client:        NewHTTPClient(timeout),
		consumeCh:     make(chan RPC),
		shutdownCh:    make(chan struct{}),
		timeout:       timeout,
		logger:        logger,
	}

	trans.router = trans.newRouter()
	trans.server = &http.Server{Handler: trans.router}

	return trans, nil
}

func (t *HTTPTransport) newRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ping", t.handle(decodePing)).Methods("GET")
	r.HandleFunc("/validate", t.handle(decodeJSON(func() interface{} { return &ValidateRequest{} }))).Methods("POST")
	r.HandleFunc("/transactions", t.handle(decodeGossip)).Methods("POST")
	r.HandleFunc("/submit-transaction", t.handle(decodeJSON(func() interface{} { return &SubmitRequest{} }))).Methods("POST")
	r.HandleFunc("/propagate-transaction", t.handle(decodeJSON(func() interface{} { return &PropagateRequest{} }))).Methods("POST")
	r.HandleFunc("/discover-peers", t.handle(decodeJSON(func() interface{} { return &DiscoverPeersRequest{} }))).Methods("POST")
	return r
}

// Handler returns the router serving the peer endpoints.
func (t *HTTPTransport) Handler() http.Handler {
	return t.router
}

// Listen implements the Transport interface. It blocks until the transport is
// closed.
func (t *HTTPTransport) Listen() {
	t.logger.WithField("addr", t.listener.Addr().String()).Debug("Serving peer endpoints")
	if err := t.server.Serve(t.listener); err != nil && err != http.ErrServerClosed {
		t.logger.WithError(err).Error("Peer listener stopped")
	}
}

// Consumer implements the Transport interface.
func (t *HTTPTransport) Consumer() <-chan RPC {
	return t.consumeCh
}

// LocalAddr implements the Transport interface.
func (t *HTTPTransport) LocalAddr() string {
	return t.listener.Addr().String()
}

// AdvertiseAddr implements the Transport interface.
func (t *HTTPTransport) AdvertiseAddr() string {
	return t.advertiseAddr
}

// IsShutdown is used to check if the transport is shutdown.
func (t *HTTPTransport) IsShutdown() bool {
	select {
	case <-t.shutdownCh:
		return true
	default:
		return false
	}
}

// Close implements the Transport interface.
func (t *HTTPTransport) Close() error {
	t.shutdownLock.Lock()
	defer t.shutdownLock.Unlock()

	if t.shutdown {
		return nil
	}
	close(t.shutdownCh)
	t.shutdown = true

	err := t.server.Close()

	// not owned by the server if Listen was never called
	t.listener.Close()

	return err
}

// Ping implements the Transport interface.
func (t *HTTPTransport) Ping(target string, args *PingRequest, resp *PingResponse) error {
	if t.IsShutdown() {
		return ErrTransportShutdown
	}
	return t.client.Ping(target, args, resp)
}

// Validate implements the Transport interface.
func (t *HTTPTransport) Validate(target string, args *ValidateRequest, resp *ValidateResponse) error {
	if t.IsShutdown() {
		return ErrTransportShutdown
	}
	return t.client.Validate(target, args, resp)
}

// Gossip implements the Transport interface.
func (t *HTTPTransport) Gossip(target string, args *GossipRequest, resp *GossipResponse) error {
	if t.IsShutdown() {
		return ErrTransportShutdown
	}
	return t.client.Gossip(target, args, resp)
}

// Submit implements the Transport interface.
func (t *HTTPTransport) Submit(target string, args *SubmitRequest, resp *SubmitResponse) error {
	if t.IsShutdown() {
		return ErrTransportShutdown
	}
	return t.client.Submit(target, args, resp)
}

// Propagate implements the Transport interface.
func (t *HTTPTransport) Propagate(target string, args *PropagateRequest, resp *PropagateResponse) error {
	if t.IsShutdown() {
		return ErrTransportShutdown
	}
	return t.client.Propagate(target, args, resp)
}

// DiscoverPeers implements the Transport interface.
func (t *HTTPTransport) DiscoverPeers(target string, args *DiscoverPeersRequest, resp *DiscoverPeersResponse) error {
	if t.IsShutdown() {
		return ErrTransportShutdown
	}
	return t.client.DiscoverPeers(target, args, resp)
}

// handle decodes the request into a command, dispatches it to the consumer
// and writes the response.
func (t *HTTPTransport) handle(decode func(*http.Request) (interface{}, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cmd, err := decode(r)
		if err != nil {
			t.logger.WithFields(logrus.Fields{
				"path":  r.URL.Path,
				"error": err,
			}).Warn("Failed to decode incoming command")
			writeError(w, cm.NewErr("Request", cm.Validation, r.URL.Path, err.Error()))
			return
		}

		respCh := make(chan RPCResponse, 1)
		rpc := RPC{
			Command:  cmd,
			RespChan: respCh,
		}

		// Dispatch the RPC
		select {
		case t.consumeCh <- rpc:
		case <-t.shutdownCh:
			writeError(w, ErrTransportShutdown)
			return
		case <-r.Context().Done():
			return
		}

		// Wait for response
		select {
		case resp := <-respCh:
			if resp.Error != nil {
				writeError(w, resp.Error)
				return
			}
			writeJSON(w, http.StatusOK, resp.Response)
		case <-t.shutdownCh:
			writeError(w, ErrTransportShutdown)
		case <-r.Context().Done():
		}
	}
}

func decodePing(r *http.Request) (interface{}, error) {
	return &PingRequest{From: r.URL.Query().Get("from")}, nil
}

func decodeGossip(r *http.Request) (interface{}, error) {
	data, err := ioutil.ReadAll(io.LimitReader(r.Body, maxPayloadSize))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("empty payload")
	}
	return &GossipRequest{Payload: data}, nil
}

func decodeJSON(newCmd func() interface{}) func(*http.Request) (interface{}, error) {
	return func(r *http.Request) (interface{}, error) {
		cmd := newCmd()
		if err := json.NewDecoder(io.LimitReader(r.Body, maxPayloadSize)).Decode(cmd); err != nil {
			return nil, err
		}
		return cmd, nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	er := errorResponse{
		Status: StatusError,
		Error:  err.Error(),
	}

	status := http.StatusInternalServerError

	var e cm.Err
	if errors.As(err, &e) {
		kind := e.Kind()
		er.Kind = &kind
		switch kind {
		case cm.Validation, cm.ConsensusFailure, cm.InsufficientFunds:
			status = http.StatusBadRequest
		case cm.Conflict, cm.KeyAlreadyExists:
			status = http.StatusConflict
		case cm.KeyNotFound:
			status = http.StatusNotFound
		case cm.Network, cm.ShardCoordination, cm.Busy:
			status = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, status, er)
}
