package wsclient_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/floydous/webshocket/wsclient"
	"github.com/floydous/webshocket/wsenum"
	"github.com/floydous/webshocket/wserr"
	"github.com/floydous/webshocket/wsserver"
)

func TestSendBeforeConnectFails(t *testing.T) {
	cl := wsclient.New("ws://unused.invalid")
	if err := cl.Send("hi"); !errors.Is(err, wserr.ErrNotConnected) {
		t.Errorf("err = %v, want %v", err, wserr.ErrNotConnected)
	}
}

func TestCloseMarksStateClosed(t *testing.T) {
	srv := wsserver.New(nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	cl := wsclient.New(url)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := cl.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := cl.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := cl.State(); got != wsenum.ConnectionClosed {
		t.Errorf("state after Close = %v, want %v", got, wsenum.ConnectionClosed)
	}
}

func TestConnectRetryExhaustsAttempts(t *testing.T) {
	cl := wsclient.New("ws://127.0.0.1:1/does-not-exist")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := cl.ConnectRetry(ctx, 2, 10*time.Millisecond)
	if !errors.Is(err, wserr.ErrConnectionFailed) {
		t.Errorf("err = %v, want wrapping %v", err, wserr.ErrConnectionFailed)
	}
}
