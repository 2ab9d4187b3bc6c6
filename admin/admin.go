// Package admin serves an optional, read-only introspection interface
// over the connection table, virtual-connection registry and LAN
// whitelist: a gorilla/mux HTTP router fronting a gorilla/rpc JSON-RPC
// 2.0 service. It never mutates core state.
package admin

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/bfix/gospel/logger"
	"github.com/gorilla/mux"
	"github.com/gorilla/rpc"
	"github.com/gorilla/rpc/json"

	"github.com/pjy612/lanpeer/util"
)

// PeerView is a read-only snapshot row for one connection record.
type PeerView struct {
	IDs          []uint64 `json:"ids"`
	AppTag       uint32   `json:"appTag"`
	TCPEndpoint  string   `json:"tcpEndpoint"`
	UDPEndpoint  string   `json:"udpEndpoint"`
	UDPPinged    bool     `json:"udpPinged"`
	Connected    bool     `json:"connected"`
	LastReceived string   `json:"lastReceived"`
}

// VirtualConnView is a read-only snapshot row for one virtual connection.
type VirtualConnView struct {
	Handle    uint64 `json:"handle"`
	Peer      uint64 `json:"peer"`
	Status    string `json:"status"`
	PollGroup uint64 `json:"pollGroup"`
}

// Snapshot is the mutex-guarded view the dispatch core refreshes once per
// tick; the HTTP goroutine only ever reads from it.
type Snapshot struct {
	Peers             []PeerView
	VirtualConns      []VirtualConnView
	Whitelist         []util.IPRange
}

// Store holds the current Snapshot behind a lock, written by Run() and
// read by the RPC service's own goroutine.
type Store struct {
	mu   sync.Mutex
	snap Snapshot
}

// NewStore creates an empty snapshot store.
func NewStore() *Store {
	return &Store{}
}

// Update replaces the current snapshot; called once per tick from Run().
func (s *Store) Update(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
}

// current returns a copy of the current snapshot.
func (s *Store) current() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Service is the gorilla/rpc-exposed JSON-RPC 2.0 service. Every method
// only reads from the Store; none mutate core state.
type Service struct {
	store *Store
}

// Empty is the (unused) argument type for every read-only RPC method.
type Empty struct{}

// Peers returns the current connection-table snapshot.
func (s *Service) Peers(r *http.Request, args *Empty, reply *[]PeerView) error {
	*reply = s.store.current().Peers
	return nil
}

// VirtualConnections returns the current virtual-connection snapshot.
func (s *Service) VirtualConnections(r *http.Request, args *Empty, reply *[]VirtualConnView) error {
	*reply = s.store.current().VirtualConns
	return nil
}

// Whitelist returns the current LAN whitelist ranges.
func (s *Service) Whitelist(r *http.Request, args *Empty, reply *[]util.IPRange) error {
	*reply = s.store.current().Whitelist
	return nil
}

// Interface serves the admin HTTP + JSON-RPC endpoint on bindAddr until
// ctx is cancelled. An empty bindAddr is not treated specially here; the
// interface is disabled by not constructing it (as lanpeerd does).
type Interface struct {
	store  *Store
	server *http.Server
}

// New builds an admin interface backed by store, bound to bindAddr. The
// caller should check bindAddr != "" before calling Start.
func New(store *Store, bindAddr string) (*Interface, error) {
	rpcServer := rpc.NewServer()
	rpcServer.RegisterCodec(json.NewCodec(), "application/json")
	if err := rpcServer.RegisterService(&Service{store: store}, "Admin"); err != nil {
		return nil, err
	}

	router := mux.NewRouter()
	router.Handle("/rpc", rpcServer)

	return &Interface{
		store: store,
		server: &http.Server{
			Addr:         bindAddr,
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
	}, nil
}

// Start launches the HTTP server in the background, shutting it down when
// ctx is cancelled.
func (i *Interface) Start(ctx context.Context) {
	go func() {
		if err := i.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf(logger.WARN, "[admin] listen failed: %s\n", err.Error())
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := i.server.Shutdown(shutdownCtx); err != nil {
			logger.Printf(logger.WARN, "[admin] shutdown failed: %s\n", err.Error())
		}
	}()
}
