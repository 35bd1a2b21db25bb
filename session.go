// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bus

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Recognised environment variables.
const (
	// EnvURL is the default directory URL used by Connect("").
	EnvURL = "QI_URL"
	// EnvListenURL is the default listen URL used by Listen("").
	EnvListenURL = "QI_LISTEN_URL"
	// EnvDisableCache disables the remote-object lookup cache.
	EnvDisableCache = "QI_DISABLE_REMOTEOBJECT_CACHE"
)

// DefaultDirectoryURL is used when neither the caller nor QI_URL names one.
const DefaultDirectoryURL = "tcp://127.0.0.1:9559"

const defaultListenURL = "tcp://127.0.0.1:0"

// clientEphemeralBase keeps object ids minted by the client side of a
// socket out of the server-side main-object range.
const clientEphemeralBase uint32 = 0x80000000

// SessionOption configures a session.
type SessionOption func(*sessionOptions)

type sessionOptions struct {
	tls           *tls.Config
	cacheDisabled bool
}

// WithSessionTLS sets the TLS configuration for tcps and quic endpoints.
func WithSessionTLS(cfg *tls.Config) SessionOption {
	return func(o *sessionOptions) { o.tls = cfg }
}

// WithoutRemoteObjectCache disables lookup caching, like
// QI_DISABLE_REMOTEOBJECT_CACHE=1.
func WithoutRemoteObjectCache() SessionOption {
	return func(o *sessionOptions) { o.cacheDisabled = true }
}

// serviceRef is one cached lookup: the proxy and the endpoint it lives on.
type serviceRef struct {
	info ServiceInfo
	ep   *endpoint
	obj  *RemoteObject
}

// Session owns the directory connection, registers and looks up services,
// and hosts the process's bound objects.
type Session struct {
	opts      sessionOptions
	machineID string
	sessionID string

	mu          sync.Mutex
	dir         *endpoint
	dirObj      *RemoteObject
	server      *Server
	host        *objectHost
	registered  map[uint32]*BoundObject
	cache       map[string]*serviceRef
	clientSocks []*Socket
	closed      bool

	lookups singleflight.Group
}

// NewSession returns an unconnected session.
func NewSession(opts ...SessionOption) *Session {
	var o sessionOptions
	for _, opt := range opts {
		opt(&o)
	}
	if v, err := strconv.ParseBool(os.Getenv(EnvDisableCache)); err == nil && v {
		o.cacheDisabled = true
	}
	host, _ := os.Hostname()
	return &Session{
		opts:       o,
		machineID:  host,
		sessionID:  randomID(),
		host:       newObjectHost(1),
		registered: make(map[uint32]*BoundObject),
		cache:      make(map[string]*serviceRef),
	}
}

func randomID() string {
	var b [8]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// Connect opens the directory connection and performs the capability
// exchange. An empty URL falls back to QI_URL, then to the conventional
// local directory endpoint.
func (s *Session) Connect(ctx context.Context, directoryURL string) error {
	if directoryURL == "" {
		directoryURL = os.Getenv(EnvURL)
	}
	if directoryURL == "" {
		directoryURL = DefaultDirectoryURL
	}

	sock := NewSocket(nil)
	if s.opts.tls != nil {
		sock.SetTLS(s.opts.tls)
	}
	ep := newEndpoint(sock, newObjectHost(clientEphemeralBase))
	if err := sock.Connect(ctx, directoryURL); err != nil {
		return err
	}
	if err := ep.authenticate(ctx); err != nil {
		sock.Disconnect()
		return fmt.Errorf("authenticate: %w", err)
	}
	dirObj := ep.remoteObject(ServiceDirectoryID, ObjectMain, directoryMetaObject())

	s.mu.Lock()
	s.dir = ep
	s.dirObj = dirObj
	s.mu.Unlock()

	// Keep the lookup cache honest; losing the event stream only costs
	// cache freshness, so a failure here is not fatal.
	if _, err := dirObj.Subscribe(ctx, "serviceRemoved", s.onServiceRemoved); err != nil {
		log.Printf("[SESSION] cannot watch serviceRemoved: %v", err)
	}
	return nil
}

func (s *Session) onServiceRemoved(args []any) {
	if len(args) != 2 {
		return
	}
	name, _ := args[1].(string)
	s.mu.Lock()
	delete(s.cache, name)
	s.mu.Unlock()
}

func (s *Session) directory() (*RemoteObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrConnectionClosed
	}
	if s.dirObj == nil {
		return nil, errors.New("session is not connected")
	}
	return s.dirObj, nil
}

// Service resolves name to a remote object: directory lookup, socket to the
// first reachable endpoint, metaobject fetch. Lookups are cached until the
// directory removes the service or the socket dies; concurrent lookups for
// one name coalesce into a single directory RPC.
func (s *Session) Service(ctx context.Context, name string) (*RemoteObject, error) {
	s.mu.Lock()
	if !s.opts.cacheDisabled {
		if ref, ok := s.cache[name]; ok {
			s.mu.Unlock()
			return ref.obj, nil
		}
	}
	s.mu.Unlock()

	v, err, _ := s.lookups.Do(name, func() (any, error) {
		return s.resolve(ctx, name)
	})
	if err != nil {
		return nil, err
	}
	return v.(*serviceRef).obj, nil
}

func (s *Session) resolve(ctx context.Context, name string) (*serviceRef, error) {
	dir, err := s.directory()
	if err != nil {
		return nil, err
	}
	v, err := dir.Call(ctx, "service", name)
	if err != nil {
		var remote *RemoteError
		if errors.As(err, &remote) {
			return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
		}
		return nil, err
	}
	info, err := serviceInfoFromTuple(v)
	if err != nil {
		return nil, err
	}
	if len(info.Endpoints) == 0 {
		return nil, fmt.Errorf("%w: %s has no endpoints", ErrServiceNotFound, name)
	}

	ref, err := s.openService(ctx, info)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if !s.opts.cacheDisabled {
		s.cache[name] = ref
	}
	s.mu.Unlock()
	ref.ep.addClosedHook(func(*Socket, error) {
		s.mu.Lock()
		if cur, ok := s.cache[name]; ok && cur == ref {
			delete(s.cache, name)
		}
		s.mu.Unlock()
	})
	return ref, nil
}

// openService dials the service's endpoints in order and materializes the
// proxy for its main object.
func (s *Session) openService(ctx context.Context, info ServiceInfo) (*serviceRef, error) {
	var lastErr error
	for _, endpoint := range info.Endpoints {
		sock := NewSocket(nil)
		if s.opts.tls != nil {
			sock.SetTLS(s.opts.tls)
		}
		ep := newEndpoint(sock, newObjectHost(clientEphemeralBase))
		if err := sock.Connect(ctx, endpoint); err != nil {
			lastErr = err
			continue
		}
		if err := ep.authenticate(ctx); err != nil {
			sock.Disconnect()
			lastErr = err
			continue
		}
		meta, err := fetchMetaObject(ctx, ep, info.ServiceID)
		if err != nil {
			sock.Disconnect()
			lastErr = err
			continue
		}
		obj := ep.remoteObject(info.ServiceID, ObjectMain, meta)
		s.mu.Lock()
		s.clientSocks = append(s.clientSocks, sock)
		s.mu.Unlock()
		return &serviceRef{info: info, ep: ep, obj: obj}, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: %s", ErrServiceNotFound, info.Name)
	}
	return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, lastErr)
}

// fetchMetaObject issues the built-in MetaObject call (action 2) on the
// service's main object.
func fetchMetaObject(ctx context.Context, ep *endpoint, sid uint32) (*MetaObject, error) {
	payload, err := encodeValue("(I)", []any{ObjectMain}, nil, 0)
	if err != nil {
		return nil, err
	}
	v, err := ep.call(ctx, sid, ObjectMain, ActionMetaObject, payload, func(m Message) (any, error) {
		return readMetaObject(NewDecoder(m.Payload()))
	})
	if err != nil {
		return nil, err
	}
	return v.(*MetaObject), nil
}

// Services lists every service visible at the directory.
func (s *Session) Services(ctx context.Context) ([]ServiceInfo, error) {
	dir, err := s.directory()
	if err != nil {
		return nil, err
	}
	v, err := dir.Call(ctx, "services")
	if err != nil {
		return nil, err
	}
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: malformed service list", ErrDecode)
	}
	out := make([]ServiceInfo, 0, len(items))
	for _, it := range items {
		si, err := serviceInfoFromTuple(it)
		if err != nil {
			return nil, err
		}
		out = append(out, si)
	}
	return out, nil
}

// Listen binds the session's own endpoint so registered services become
// reachable. An empty URL falls back to QI_LISTEN_URL, then to an
// ephemeral local port.
func (s *Session) Listen(listenURL string) error {
	if listenURL == "" {
		listenURL = os.Getenv(EnvListenURL)
	}
	if listenURL == "" {
		listenURL = defaultListenURL
	}
	s.mu.Lock()
	if s.server == nil {
		s.server = NewServer(s)
		if s.opts.tls != nil {
			s.server.SetTLS(s.opts.tls)
		}
	}
	srv := s.server
	s.mu.Unlock()
	return srv.Listen(listenURL)
}

// OnNewConnection implements ServerDelegate: every inbound socket shares
// the session's object host.
func (s *Session) OnNewConnection(_ *Server, sock *Socket) {
	newEndpoint(sock, s.host)
	s.mu.Lock()
	s.clientSocks = append(s.clientSocks, sock)
	s.mu.Unlock()
}

// RegisterService registers obj under name: directory registration, local
// binding of the main object, then the serviceReady announcement once the
// session's endpoints are listening.
func (s *Session) RegisterService(ctx context.Context, name string, obj *GenericObject) (uint32, error) {
	return s.RegisterServiceWithPolicy(ctx, name, obj, DispatchAuto)
}

// RegisterServiceWithPolicy is RegisterService with an explicit dispatch
// policy for the main object.
func (s *Session) RegisterServiceWithPolicy(ctx context.Context, name string, obj *GenericObject, policy DispatchPolicy) (uint32, error) {
	dir, err := s.directory()
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	listening := s.server != nil
	s.mu.Unlock()
	if !listening {
		if err := s.Listen(""); err != nil {
			return 0, err
		}
	}

	info := ServiceInfo{
		Name:      name,
		Endpoints: s.Endpoints(),
		MachineID: s.machineID,
		ProcessID: uint32(os.Getpid()),
		SessionID: s.sessionID,
	}
	v, err := dir.Call(ctx, "registerService", info.tuple())
	if err != nil {
		var remote *RemoteError
		if errors.As(err, &remote) && strings.Contains(remote.Message, "already registered") {
			return 0, fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
		}
		return 0, err
	}
	sid := v.(uint32)

	bo := newBoundObject(sid, ObjectMain, obj, policy, s.host)
	s.host.add(bo)
	s.mu.Lock()
	s.registered[sid] = bo
	s.mu.Unlock()

	if _, err := dir.Call(ctx, "serviceReady", sid); err != nil {
		return 0, err
	}
	return sid, nil
}

// UnregisterService withdraws a service registered by this session.
func (s *Session) UnregisterService(ctx context.Context, sid uint32) error {
	dir, err := s.directory()
	if err != nil {
		return err
	}
	if _, err := dir.Call(ctx, "unregisterService", sid); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.registered, sid)
	s.mu.Unlock()
	s.host.removeService(sid)
	return nil
}

// Endpoints returns the session's bound listen URLs.
func (s *Session) Endpoints() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return nil
	}
	return s.server.Endpoints()
}

// HostedObjects reports how many bound objects the session currently
// hosts, registered services and ephemerals included.
func (s *Session) HostedObjects() int {
	return s.host.size()
}

// Close tears the session down: service sockets, the directory socket and
// the listeners. The directory observes the disconnect and withdraws this
// session's services.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	dir := s.dir
	server := s.server
	socks := s.clientSocks
	s.clientSocks = nil
	s.cache = make(map[string]*serviceRef)
	s.mu.Unlock()

	for _, sock := range socks {
		sock.Disconnect()
	}
	if dir != nil {
		dir.sock.Disconnect()
	}
	if server != nil {
		return server.Close()
	}
	return nil
}
