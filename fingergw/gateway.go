// Package fingergw implements the Finger Gateway: a TCP proxy that looks up
// a build's owning executor in the shared queue and pipes the finger
// protocol through to its Log Streamer, forwarding one hop to a peer
// gateway when the build lives in a different zone.
package fingergw

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/zuul-ci/zuul-core/logger"
	"github.com/zuul-ci/zuul-core/model"
	"github.com/zuul-ci/zuul-core/queue"
)

const (
	connectTimeout = 10 * time.Second
	maxRequestLine = 1024
)

// Locator is the subset of the Queue contract the gateway needs.
type Locator interface {
	WorkerInfo(ctx context.Context, buildID string) (model.WorkerInfo, model.State, error)
	LookupZone(ctx context.Context, zone string) (string, bool, error)
	RegisterZone(ctx context.Context, zone, gatewayAddr string) error
}

// Gateway is a finger-protocol proxy. Zone is this gateway's own zone, used
// to decide whether a build's executor is local or must be forwarded.
type Gateway struct {
	Zone    string
	Queue   Locator
	Log     logger.Logger
	Dialer  net.Dialer

	listener net.Listener
}

func (g *Gateway) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("fingergw: listen %s: %w", addr, err)
	}
	g.listener = ln

	if g.Queue != nil {
		if err := g.Queue.RegisterZone(ctx, g.Zone, ln.Addr().String()); err != nil {
			g.Log.Warn("fingergw: registering zone %q: %s", g.Zone, err)
		}
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if strings.Contains(err.Error(), "use of closed network connection") {
				return nil
			}
			return err
		}
		go g.handle(ctx, conn)
	}
}

func (g *Gateway) Close() error {
	if g.listener == nil {
		return nil
	}
	return g.listener.Close()
}

func (g *Gateway) handle(ctx context.Context, client net.Conn) {
	defer client.Close()

	buildID, err := readLine(client)
	if err != nil {
		return
	}

	info, state, err := g.Queue.WorkerInfo(ctx, buildID)
	if err != nil || info.Empty() || state == model.StateCompleted {
		fmt.Fprintf(client, "Build ID %s not found\n", buildID)
		return
	}

	target := fmt.Sprintf("%s:%d", info.Hostname, info.FingerPort)

	// One-hop forward: if the executor's zone differs from ours and a peer
	// gateway is registered for it, let that peer make the real connection.
	// info.Zone is stamped by the executor (from its own configured zone)
	// when it claims the build, so an unzoned or same-zone build never takes
	// this branch.
	if execZone := info.Zone; g.Zone != "" && execZone != "" && execZone != g.Zone {
		if peerAddr, ok, _ := g.Queue.LookupZone(ctx, execZone); ok {
			target = peerAddr
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	upstream, err := g.Dialer.DialContext(dialCtx, "tcp", target)
	if err != nil {
		fmt.Fprintf(client, "Could not connect to build host\n")
		return
	}
	defer upstream.Close()

	if _, err := fmt.Fprintf(upstream, "%s\n", buildID); err != nil {
		fmt.Fprintf(client, "Could not connect to build host\n")
		return
	}

	pipe(client, upstream)
}

func readLine(conn net.Conn) (string, error) {
	r := bufio.NewReaderSize(conn, maxRequestLine+1)
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// pipe copies bytes bidirectionally until either side errors or closes; no
// idle read timeout is applied, since live log streams are interactive.
func pipe(a, b net.Conn) {
	done := make(chan struct{}, 2)
	go func() { io.Copy(a, b); done <- struct{}{} }()
	go func() { io.Copy(b, a); done <- struct{}{} }()
	<-done
}
