package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownOnDoneDrainsInFlightRequests(t *testing.T) {
	started := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		close(started)
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: mux}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go shutdownOnDone(ctx, srv)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	var status int
	reqErr := make(chan error, 1)
	go func() {
		resp, err := http.Get("http://" + ln.Addr().String() + "/slow")
		if err == nil {
			status = resp.StatusCode
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
		reqErr <- err
	}()

	// Cancel while the request is in flight; the drain must let it finish
	// instead of aborting it with the already-dead trigger context.
	<-started
	cancel()

	require.NoError(t, <-reqErr)
	assert.Equal(t, http.StatusOK, status)
	assert.ErrorIs(t, <-serveErr, http.ErrServerClosed)
}
