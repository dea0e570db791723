package service

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/hgnetwork/pulse/src/ledger"
	"github.com/hgnetwork/pulse/src/node"
	"github.com/sirupsen/logrus"
)

const (
	feedWriteWait  = 10 * time.Second
	feedPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// TransactionInfo is the response of the /transaction endpoint.
type TransactionInfo struct {
	Transaction *ledger.Transaction `json:"transaction"`
	Confirmed   bool                `json:"confirmed"`
	Shard       int                 `json:"shard"`
	Assignee    string              `json:"assignee,omitempty"`
}

// BalanceInfo is the response of the /balance endpoint.
type BalanceInfo struct {
	Address string `json:"address"`
	Balance int64  `json:"balance"`
	Shard   int    `json:"shard"`
}

// PeersInfo is the response of the /peers endpoint.
type PeersInfo struct {
	Self   string   `json:"self"`
	Active []string `json:"active"`
	Known  []string `json:"known"`
}

// Service is the read-only HTTP API of a node.
type Service struct {
	bindAddress string
	node        *node.Node
	router      *mux.Router
	server      *http.Server
	logger      *logrus.Entry
}

// NewService ...
func NewService(bindAddress string, n *node.Node, logger *logrus.Entry) *Service {
	service := Service{
		bindAddress: bindAddress,
		node:        n,
		router:      mux.NewRouter(),
		logger:      logger,
	}

	service.registerHandlers()

	service.server = &http.Server{
		Addr:    bindAddress,
		Handler: service.router,
	}

	return &service
}

func (s *Service) registerHandlers() {
	s.logger.Debug("Registering Pulse API handlers")
	s.router.HandleFunc("/stats", s.makeHandler(s.GetStats)).Methods(http.MethodGet)
	s.router.HandleFunc("/transaction/{id}", s.makeHandler(s.GetTransaction)).Methods(http.MethodGet)
	s.router.HandleFunc("/balance/{address}", s.makeHandler(s.GetBalance)).Methods(http.MethodGet)
	s.router.HandleFunc("/peers", s.makeHandler(s.GetPeers)).Methods(http.MethodGet)
	s.router.HandleFunc("/feed", s.Feed).Methods(http.MethodGet)
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Handler returns the router serving the API.
func (s *Service) Handler() http.Handler {
	return s.router
}

// Serve calls ListenAndServe. This is a blocking call.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving Pulse API")

	err := s.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		s.logger.Error(err)
	}
}

// Close stops the HTTP server. Open feed connections are not waited for.
func (s *Service) Close() error {
	return s.server.Close()
}

// GetStats ...
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.node.GetStats())
}

// GetTransaction ...
func (s *Service) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	manager := s.node.Manager()

	tx, ok := manager.Transaction(id)
	if !ok {
		http.Error(w, "transaction not found", http.StatusNotFound)
		return
	}

	info := TransactionInfo{
		Transaction: tx,
		Confirmed:   manager.IsConfirmed(id),
		Shard:       manager.AssignShard(tx),
	}
	if assignee, ok := manager.Assignee(id); ok {
		info.Assignee = assignee
	}

	writeJSON(w, info)
}

// GetBalance ...
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]

	manager := s.node.Manager()

	writeJSON(w, BalanceInfo{
		Address: address,
		Balance: manager.Balance(address),
		Shard:   manager.ShardOf(address),
	})
}

// GetPeers ...
func (s *Service) GetPeers(w http.ResponseWriter, r *http.Request) {
	network := s.node.Network()

	writeJSON(w, PeersInfo{
		Self:   network.Self(),
		Active: network.Snapshot(),
		Known:  network.KnownPeers(),
	})
}

// Feed upgrades the connection to a websocket and streams every transaction
// confirmed by the node, as JSON, until the client goes away.
func (s *Service) Feed(w http.ResponseWriter, r *http.Request) {
	// Subscribed before the handshake: nothing confirmed after the client
	// connects is missed.
	txs, cancel := s.node.Feed().Subscribe()
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Error("Upgrading feed connection")
		return
	}
	defer conn.Close()

	// The reader only notices the client closing the connection.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(feedPingPeriod)
	defer ticker.Stop()

	s.logger.WithField("remote", r.RemoteAddr).Debug("Feed subscriber connected")

	for {
		select {
		case tx, ok := <-txs:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
					time.Now().Add(feedWriteWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := conn.WriteJSON(tx); err != nil {
				s.logger.WithError(err).Debug("Writing to feed subscriber")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(feedWriteWait)); err != nil {
				return
			}
		case <-closed:
			s.logger.WithField("remote", r.RemoteAddr).Debug("Feed subscriber left")
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(v)
}
