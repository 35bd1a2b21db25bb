// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bus

import (
	"net"
	"net/http"

	gorillarpc "github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
)

// DirectoryInfoService is the read-only JSON-RPC view of the directory,
// for tooling. It is not part of the wire protocol.
type DirectoryInfoService struct {
	d *Directory
}

// ServicesArgs is the (empty) argument of Directory.Services.
type ServicesArgs struct{}

// ServicesReply lists the visible services.
type ServicesReply struct {
	Services []ServiceInfo `json:"services"`
}

// Services returns every visible directory entry.
func (s *DirectoryInfoService) Services(_ *http.Request, _ *ServicesArgs, reply *ServicesReply) error {
	reply.Services = s.d.visibleServices()
	return nil
}

func (d *Directory) visibleServices() []ServiceInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]uint32, 0, len(d.entries))
	for id, e := range d.entries {
		if e.ready {
			ids = append(ids, id)
		}
	}
	sortUIDs(ids)
	out := make([]ServiceInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, d.entries[id].info)
	}
	return out
}

// ServeHTTPInfo starts the JSON-RPC introspection endpoint on addr and
// returns the bound address. It stops with Close.
func (d *Directory) ServeHTTPInfo(addr string) (string, error) {
	s := gorillarpc.NewServer()
	s.RegisterCodec(json2.NewCodec(), "application/json")
	if err := s.RegisterService(&DirectoryInfoService{d: d}, "Directory"); err != nil {
		return "", err
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	d.httpLis = lis
	d.mu.Unlock()

	mux := http.NewServeMux()
	mux.Handle("/rpc", s)
	go http.Serve(lis, mux)
	return lis.Addr().String(), nil
}
