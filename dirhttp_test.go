// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bus

import (
	"bytes"
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/rpc/v2/json2"
)

func TestDirectoryHTTPInfo(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	dir, dirURL := startDirectory(t)

	addr, err := dir.ServeHTTPInfo("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ServeHTTPInfo: %v", err)
	}

	server := connectSession(t, dirURL)
	if _, err := server.RegisterService(ctx, "echo", echoObject(t)); err != nil {
		t.Fatalf("RegisterService: %v", err)
	}

	body, err := json2.EncodeClientRequest("Directory.Services", &ServicesArgs{})
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	resp, err := http.Post("http://"+addr+"/rpc", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	var reply ServicesReply
	if err := json2.DecodeClientResponse(resp.Body, &reply); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(reply.Services) != 1 || reply.Services[0].Name != "echo" {
		t.Fatalf("services = %v", reply.Services)
	}
}
