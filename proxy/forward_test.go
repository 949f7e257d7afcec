package proxy

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/oldani/taxy/keyring"
	"github.com/oldani/taxy/taxyapi"
)

// dialAccept dials addr's listener and returns both ends of the resulting
// TCP connection: the dialed client side and the accepted server side.
func dialAccept(t *testing.T, ln *net.TCPListener) (client, server *net.TCPConn) {
	t.Helper()
	acceptc := make(chan *net.TCPConn, 1)
	errc := make(chan error, 1)
	go func() {
		conn, err := ln.AcceptTCP()
		if err != nil {
			errc <- err
			return
		}
		acceptc <- conn
	}()

	c, err := net.DialTCP("tcp", nil, ln.Addr().(*net.TCPAddr))
	require.NoError(t, err)

	select {
	case s := <-acceptc:
		return c, s
	case err := <-errc:
		t.Fatalf("accept failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("accept timed out")
	}
	return nil, nil
}

// newEchoUpstream starts a plain TCP server on loopback that echoes
// whatever it reads back to the same connection, and returns its address.
func newEchoUpstream(t *testing.T) *net.TCPAddr {
	t.Helper()
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.AcceptTCP()
			if err != nil {
				return
			}
			go func(c *net.TCPConn) {
				io.Copy(c, c)
				c.Close()
			}(conn)
		}
	}()
	return ln.Addr().(*net.TCPAddr)
}

// TestForwardPlainTCPEchoLoop drives forward() end to end over plain TCP:
// an accepted inbound connection is forwarded to a loopback echo upstream,
// and the client side must see back exactly what it sent (§4.7, §8
// scenario 1's non-TLS counterpart).
func TestForwardPlainTCPEchoLoop(t *testing.T) {
	upstream := newEchoUpstream(t)

	inboundLn, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer inboundLn.Close()

	client, server := dialAccept(t, inboundLn)
	defer client.Close()

	name, err := taxyapi.ParseSubjectName(upstream.IP.String())
	require.NoError(t, err)
	conn := Connection{Name: name, Port: uint16(upstream.Port)}

	stop := newNotifier()
	errc := make(chan error, 1)
	go func() {
		errc <- forward(forwardParams{
			logger:     zap.NewNop(),
			listenAddr: "test-plain",
			stream:     newBufStream(server),
			conn:       conn,
			stop:       stop,
		})
	}()

	_, err = client.Write([]byte("hello"))
	require.NoError(t, err)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 5)
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))

	require.NoError(t, client.Close())

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("forward did not return after client closed")
	}
}

// TestForwardTLSTerminationLoop drives forward() with inbound TLS
// termination over a self-signed localhost certificate, round-tripping
// data through a plain TCP upstream (§8 scenario 1: "self-signed localhost
// TLS echo loop").
func TestForwardTLSTerminationLoop(t *testing.T) {
	upstream := newEchoUpstream(t)

	name, err := taxyapi.ParseSubjectName("localhost")
	require.NoError(t, err)
	cert, err := keyring.NewSelfSigned([]taxyapi.SubjectName{name})
	require.NoError(t, err)

	term := NewTLSTermination([]taxyapi.SubjectName{name})
	require.NoError(t, term.Setup(keyring.New(cert)))

	inboundLn, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer inboundLn.Close()

	client, server := dialAccept(t, inboundLn)
	defer client.Close()

	upstreamName, err := taxyapi.ParseSubjectName(upstream.IP.String())
	require.NoError(t, err)
	conn := Connection{Name: upstreamName, Port: uint16(upstream.Port)}

	stop := newNotifier()
	errc := make(chan error, 1)
	go func() {
		errc <- forward(forwardParams{
			logger:     zap.NewNop(),
			listenAddr: "test-tls",
			stream:     newBufStream(server),
			conn:       conn,
			acceptor:   term.Acceptor(),
			stop:       stop,
		})
	}()

	tlsClient := tls.Client(client, &tls.Config{ServerName: "localhost", InsecureSkipVerify: true})
	require.NoError(t, tlsClient.Handshake())

	_, err = tlsClient.Write([]byte("secure"))
	require.NoError(t, err)

	require.NoError(t, tlsClient.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 6)
	_, err = io.ReadFull(tlsClient, buf)
	require.NoError(t, err)
	require.Equal(t, "secure", string(buf))

	require.NoError(t, tlsClient.Close())

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("forward did not return after client closed")
	}
}

// TestPortContextRoundRobinFairness drives PortContext.StartProxy against
// three live upstream servers across two full rounds and asserts each
// upstream receives exactly as many connections as round-robin selection
// requires (§8 scenario 2: "round-robin fairness across live connections").
func TestPortContextRoundRobinFairness(t *testing.T) {
	const upstreamCount = 3
	const rounds = 2

	upstreams := make([]string, upstreamCount)
	received := make([]chan struct{}, upstreamCount)
	for i := 0; i < upstreamCount; i++ {
		ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
		require.NoError(t, err)
		t.Cleanup(func() { ln.Close() })

		addr := ln.Addr().(*net.TCPAddr)
		upstreams[i] = fmt.Sprintf("/ip4/%s/tcp/%d", addr.IP.String(), addr.Port)

		received[i] = make(chan struct{}, rounds)
		ch := received[i]
		go func(ln *net.TCPListener, ch chan struct{}) {
			for {
				conn, err := ln.AcceptTCP()
				if err != nil {
					return
				}
				ch <- struct{}{}
				conn.Close()
			}
		}(ln, ch)
	}

	pc, err := NewPortContext(PortEntry{
		Listen:    "/ip4/127.0.0.1/tcp/19090",
		Upstreams: upstreams,
	})
	require.NoError(t, err)

	inboundLn, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer inboundLn.Close()

	for i := 0; i < upstreamCount*rounds; i++ {
		client, server := dialAccept(t, inboundLn)
		pc.StartProxy(server)
		client.Close()
	}

	for i, ch := range received {
		for j := 0; j < rounds; j++ {
			select {
			case <-ch:
			case <-time.After(2 * time.Second):
				t.Fatalf("upstream %d did not receive its expected share of connections", i)
			}
		}
	}
}

// TestPortContextResetClosesInFlightConnection confirms Reset() terminates
// an in-flight forwarding task promptly: the client-facing leg observes
// EOF once the stop notifier broadcasts (§8 scenario 5:
// "stop-notification draining an in-flight connection").
func TestPortContextResetClosesInFlightConnection(t *testing.T) {
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan struct{}, 1)
	go func() {
		conn, err := ln.AcceptTCP()
		if err != nil {
			return
		}
		accepted <- struct{}{}
		_, _ = io.Copy(io.Discard, conn)
	}()

	upstreamAddr := ln.Addr().(*net.TCPAddr)
	pc, err := NewPortContext(PortEntry{
		Listen:    "/ip4/127.0.0.1/tcp/19091",
		Upstreams: []string{fmt.Sprintf("/ip4/%s/tcp/%d", upstreamAddr.IP.String(), upstreamAddr.Port)},
	})
	require.NoError(t, err)

	inboundLn, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer inboundLn.Close()

	client, server := dialAccept(t, inboundLn)
	defer client.Close()

	pc.StartProxy(server)

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never accepted connection")
	}

	pc.Reset()

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1)
	_, err = client.Read(buf)
	require.ErrorIs(t, err, io.EOF, "Reset must close the in-flight connection's client-facing leg")
}
