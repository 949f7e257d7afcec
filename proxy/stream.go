package proxy

import (
	"bufio"
	"crypto/tls"
	"io"
	"net"
	"time"
)

// ioStream is the capability set the forwarding task needs from either leg
// of a connection, whether or not it is TLS-wrapped (§9 "dynamic dispatch on
// streams"): a readable/writable byte stream plus a best-effort half-close.
// *net.TCPConn and *tls.Conn both satisfy it once wrapped by the adapters
// below — no boxed virtual-dispatch machinery is needed beyond this plain
// interface value.
type ioStream interface {
	io.Reader
	io.Writer
	CloseWrite() error
	Close() error
}

// tcpStream adapts *net.TCPConn (and bufio-style readers sitting on top of
// it) to ioStream. net.TCPConn already implements CloseWrite directly.
type tcpStream struct {
	*net.TCPConn
}

// tlsStream adapts *tls.Conn to ioStream. Its CloseWrite replaces
// (*tls.Conn).CloseWrite: it half-closes the underlying net.Conn directly,
// without sending a TLS close_notify alert first, and closes the whole TLS
// connection when the underlying conn has no CloseWrite.
type tlsStream struct {
	*tls.Conn
}

func (t tlsStream) CloseWrite() error {
	if cw, ok := t.Conn.NetConn().(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return t.Conn.Close()
}

// bufStream pairs a bufio.Reader (so any bytes already buffered ahead of a
// TLS handshake peek aren't lost) with the underlying raw connection for
// writes and close, mirroring the teacher's io.Reader/io.Writer/Closer
// composition idiom (tokio's BufStream<TcpStream> in the original).
type bufStream struct {
	r   *bufio.Reader
	raw tcpStream
}

func newBufStream(conn *net.TCPConn) *bufStream {
	return &bufStream{r: bufio.NewReader(conn), raw: tcpStream{conn}}
}

func (b *bufStream) Read(p []byte) (int, error)  { return b.r.Read(p) }
func (b *bufStream) Write(p []byte) (int, error) { return b.raw.Write(p) }
func (b *bufStream) CloseWrite() error           { return b.raw.CloseWrite() }
func (b *bufStream) Close() error                { return b.raw.Close() }

// The remaining methods make *bufStream satisfy net.Conn so it can be
// passed directly to tls.Server for the inbound handshake (§4.7 step 4).
func (b *bufStream) LocalAddr() net.Addr                  { return b.raw.LocalAddr() }
func (b *bufStream) RemoteAddr() net.Addr                 { return b.raw.RemoteAddr() }
func (b *bufStream) SetDeadline(t time.Time) error        { return b.raw.SetDeadline(t) }
func (b *bufStream) SetReadDeadline(t time.Time) error    { return b.raw.SetReadDeadline(t) }
func (b *bufStream) SetWriteDeadline(t time.Time) error   { return b.raw.SetWriteDeadline(t) }
