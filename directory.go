// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bus

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"sort"
	"sync"
)

// dirEntry is one registered service. It becomes visible on serviceReady
// and dies with unregisterService or its owner socket.
type dirEntry struct {
	info  ServiceInfo
	owner *Socket
	ready bool
}

// Directory is the service directory: the authoritative in-memory registry
// of running services and their endpoints, exposed as service 1 object 1.
type Directory struct {
	server *Server
	host   *objectHost
	obj    *GenericObject

	mu      sync.Mutex
	entries map[uint32]*dirEntry
	nextID  uint32
	socks   []*Socket
	tlsCfg  *tls.Config
	httpLis net.Listener
}

// DirectoryOption configures a directory.
type DirectoryOption func(*Directory)

// WithDirectoryTLS sets the TLS configuration for tcps and quic listeners.
func WithDirectoryTLS(cfg *tls.Config) DirectoryOption {
	return func(d *Directory) { d.tlsCfg = cfg }
}

// NewDirectory returns a directory ready to Listen.
func NewDirectory(opts ...DirectoryOption) *Directory {
	d := &Directory{
		host:    newObjectHost(1),
		entries: make(map[uint32]*dirEntry),
		nextID:  ServiceDirectoryID + 1,
	}
	for _, opt := range opts {
		opt(d)
	}

	b := NewObjectBuilder()
	b.AdvertiseMethodID(DirActionService, "service", "(s)", serviceInfoSignature, d.serviceByName)
	b.AdvertiseMethodID(DirActionServices, "services", "()", "["+serviceInfoSignature+"]", d.listServices)
	b.AdvertiseMethodID(DirActionRegisterService, "registerService", "("+serviceInfoSignature+")", "I", d.registerService)
	b.AdvertiseMethodID(DirActionUnregisterService, "unregisterService", "(I)", "v", d.unregisterService)
	b.AdvertiseMethodID(DirActionServiceReady, "serviceReady", "(I)", "v", d.serviceReady)
	b.AdvertiseMethodID(DirActionUpdateServiceInfo, "updateServiceInfo", "("+serviceInfoSignature+")", "v", d.updateServiceInfo)
	b.AdvertiseSignalID(DirSignalServiceAdded, "serviceAdded", "(Is)")
	b.AdvertiseSignalID(DirSignalServiceRemoved, "serviceRemoved", "(Is)")
	d.obj = b.MustObject()

	// Registry handlers only touch the mutex-guarded maps; running them
	// on the I/O goroutine keeps registration and its reply ordered with
	// the owner socket's lifetime.
	d.host.add(newBoundObject(ServiceDirectoryID, ObjectMain, d.obj, DispatchDirect, d.host))

	d.server = NewServer(d)
	if d.tlsCfg != nil {
		d.server.SetTLS(d.tlsCfg)
	}
	return d
}

// Listen binds a directory endpoint. Multiple bind URLs are supported.
func (d *Directory) Listen(listenURL string) error {
	return d.server.Listen(listenURL)
}

// Endpoints returns the bound endpoint URLs.
func (d *Directory) Endpoints() []string {
	return d.server.Endpoints()
}

// OnNewConnection implements ServerDelegate.
func (d *Directory) OnNewConnection(_ *Server, sock *Socket) {
	ep := newEndpoint(sock, d.host)
	ep.addClosedHook(d.socketClosed)
	d.mu.Lock()
	d.socks = append(d.socks, sock)
	d.mu.Unlock()
}

// Close stops the listeners and drops every connection.
func (d *Directory) Close() error {
	d.mu.Lock()
	socks := d.socks
	d.socks = nil
	httpLis := d.httpLis
	d.httpLis = nil
	d.mu.Unlock()
	if httpLis != nil {
		httpLis.Close()
	}
	for _, sock := range socks {
		sock.Disconnect()
	}
	return d.server.Close()
}

// ServiceCount reports the number of visible services.
func (d *Directory) ServiceCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, e := range d.entries {
		if e.ready {
			n++
		}
	}
	return n
}

func (d *Directory) serviceByName(_ context.Context, args []any) (any, error) {
	name := args[0].(string)
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.entries {
		if e.ready && e.info.Name == name {
			return e.info.tuple(), nil
		}
	}
	return nil, fmt.Errorf("service not found: %s", name)
}

func (d *Directory) listServices(context.Context, []any) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]uint32, 0, len(d.entries))
	for id, e := range d.entries {
		if e.ready {
			ids = append(ids, id)
		}
	}
	sortUIDs(ids)
	out := make([]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, d.entries[id].info.tuple())
	}
	return out, nil
}

func (d *Directory) registerService(ctx context.Context, args []any) (any, error) {
	info, err := serviceInfoFromTuple(args[0])
	if err != nil {
		return nil, err
	}
	owner, _ := SocketFromContext(ctx)

	d.mu.Lock()
	for _, e := range d.entries {
		if e.info.Name == info.Name {
			d.mu.Unlock()
			return nil, fmt.Errorf("service already registered: %s", info.Name)
		}
	}
	id := d.nextID
	d.nextID++
	info.ServiceID = id
	d.entries[id] = &dirEntry{info: info, owner: owner}
	d.mu.Unlock()

	log.Printf("[SD] registered %s", info)
	return id, nil
}

func (d *Directory) serviceReady(_ context.Context, args []any) (any, error) {
	id := args[0].(uint32)
	d.mu.Lock()
	e, ok := d.entries[id]
	if !ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("unknown service id %d", id)
	}
	e.ready = true
	name := e.info.Name
	d.mu.Unlock()

	d.obj.Emit("serviceAdded", id, name)
	return nil, nil
}

func (d *Directory) unregisterService(_ context.Context, args []any) (any, error) {
	id := args[0].(uint32)
	d.mu.Lock()
	e, ok := d.entries[id]
	if !ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("unknown service id %d", id)
	}
	delete(d.entries, id)
	wasReady := e.ready
	name := e.info.Name
	d.mu.Unlock()

	log.Printf("[SD] unregistered %s(%d)", name, id)
	if wasReady {
		d.obj.Emit("serviceRemoved", id, name)
	}
	return nil, nil
}

func (d *Directory) updateServiceInfo(ctx context.Context, args []any) (any, error) {
	info, err := serviceInfoFromTuple(args[0])
	if err != nil {
		return nil, err
	}
	owner, _ := SocketFromContext(ctx)
	d.mu.Lock()
	e, ok := d.entries[info.ServiceID]
	if !ok || (e.owner != nil && e.owner != owner) {
		d.mu.Unlock()
		return nil, fmt.Errorf("unknown service id %d", info.ServiceID)
	}
	e.info = info
	d.mu.Unlock()
	return nil, nil
}

// socketClosed withdraws every service owned by the dead socket, firing
// serviceRemoved for each in registration order.
func (d *Directory) socketClosed(sock *Socket, _ error) {
	d.mu.Lock()
	var removed []ServiceInfo
	for id, e := range d.entries {
		if e.owner == sock {
			if e.ready {
				removed = append(removed, e.info)
			}
			delete(d.entries, id)
		}
	}
	for i := range d.socks {
		if d.socks[i] == sock {
			d.socks = append(d.socks[:i], d.socks[i+1:]...)
			break
		}
	}
	d.mu.Unlock()

	// Ids are monotonic, so ascending id order is registration order.
	sort.Slice(removed, func(i, j int) bool { return removed[i].ServiceID < removed[j].ServiceID })
	for _, info := range removed {
		log.Printf("[SD] owner lost, removing %s", info)
		d.obj.Emit("serviceRemoved", info.ServiceID, info.Name)
	}
}
