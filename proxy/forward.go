package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"
)

// forwardParams bundles everything the forwarding task needs (§4.7):
// the accepted stream, the chosen upstream connection, the optional
// outbound TLS client config (present iff conn.TLS), the optional inbound
// TLS acceptor, and the port's stop notifier.
type forwardParams struct {
	logger     *zap.Logger
	listenAddr string
	stream     *bufStream
	conn       Connection
	tlsClient  *tls.Config
	acceptor   *tls.Config
	stop       *notifier
}

// forward runs one forwarding task to completion (§4.7): resolve the
// upstream, dial it, perform the optional inbound/outbound TLS handshakes,
// then copy bytes bidirectionally until EOF, error, or the port's stop
// signal fires. Failures at the resolve/dial/handshake stages terminate
// the task with the underlying error; they are not retried here.
func forward(p forwardParams) error {
	ctx := context.Background()
	remote := p.stream.raw.RemoteAddr()

	resolved, err := resolveUpstream(ctx, p.conn)
	if err != nil {
		forwardErrorsTotal.WithLabelValues(p.listenAddr, "resolve").Inc()
		return fmt.Errorf("resolve: %w", err)
	}

	dialer := net.Dialer{Timeout: 10 * time.Second}
	outRaw, err := dialer.DialContext(ctx, tcpNetwork(resolved), resolved)
	if err != nil {
		forwardErrorsTotal.WithLabelValues(p.listenAddr, "connect").Inc()
		return fmt.Errorf("connect: %w", err)
	}

	p.logger.Info("connected",
		zap.Stringer("remote", remote),
		zap.String("resolved", resolved),
	)
	connectionsTotal.WithLabelValues(p.listenAddr).Inc()

	var in ioStream = p.stream
	if p.acceptor != nil {
		p.logger.Debug("server: tls handshake", zap.Stringer("remote", remote))
		tlsConn := tls.Server(p.stream, p.acceptor)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			forwardErrorsTotal.WithLabelValues(p.listenAddr, "inbound_handshake").Inc()
			_ = outRaw.Close()
			return fmt.Errorf("inbound tls handshake: %w", err)
		}
		in = tlsStream{tlsConn}
	}

	var out ioStream = tcpStream{outRaw.(*net.TCPConn)}
	if p.tlsClient != nil {
		p.logger.Debug("client: tls handshake", zap.String("resolved", resolved))
		cfg := p.tlsClient.Clone()
		cfg.ServerName = p.conn.Name.String()
		tlsConn := tls.Client(outRaw, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			forwardErrorsTotal.WithLabelValues(p.listenAddr, "outbound_handshake").Inc()
			_ = in.Close()
			return fmt.Errorf("outbound tls handshake: %w", err)
		}
		out = tlsStream{tlsConn}
	}

	copyErr := copyBidirectional(p.listenAddr, in, out, p.stop)

	_ = in.CloseWrite()
	_ = out.CloseWrite()
	_ = in.Close()
	_ = out.Close()

	p.logger.Debug("eof", zap.String("resolved", resolved))
	return copyErr
}

// copyBidirectional copies bytes both ways until either direction yields
// EOF/error or the stop signal fires (§4.7 step 6, §5 cancellation).
func copyBidirectional(listenAddr string, a, b ioStream, stop *notifier) error {
	errc := make(chan error, 2)
	go func() { errc <- countedCopy(listenAddr, "upstream", b, a) }()
	go func() { errc <- countedCopy(listenAddr, "client", a, b) }()

	select {
	case err := <-errc:
		if err != nil && err != io.EOF {
			return err
		}
		return nil
	case <-stop.wait():
		return nil
	}
}

func countedCopy(listenAddr, direction string, dst io.Writer, src io.Reader) error {
	n, err := io.Copy(dst, src)
	bytesForwardedTotal.WithLabelValues(listenAddr, direction).Add(float64(n))
	return err
}

func tcpNetwork(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err == nil {
		if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
			return "tcp6"
		}
	}
	return "tcp"
}
