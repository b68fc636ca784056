package channel

import (
	"bufio"
	"context"
	"net"
	"time"

	"github.com/1ureka/velonet/internal/protocol"
	"github.com/1ureka/velonet/internal/util"
)

const (
	tcpReadChunk   = 32 * 1024
	tcpWriteBuffer = 64 * 1024
	writeBatch     = 64
	closeLinger    = 5 * time.Second // how long a closing channel may spend flushing
)

// TCP is a channel over one TCP connection. The receive half is owned by the
// reader goroutine and the send half by the writer goroutine, so neither side
// ever waits on the other.
type TCP struct {
	*pipe
	conn net.Conn
}

// NewTCP wraps an established connection and starts its I/O goroutines.
func NewTCP(conn net.Conn, opts Options) *TCP {
	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.SetNoDelay(true); err != nil {
			util.LogWarning("tcp %s: TCP_NODELAY: %v", conn.RemoteAddr(), err)
		}
	}
	t := &TCP{
		pipe: newPipe(KindTCP, conn.RemoteAddr().String(), opts),
		conn: conn,
	}
	go t.readLoop()
	go t.writeLoop()
	return t
}

// DialTCP connects to addr and wraps the connection.
func DialTCP(ctx context.Context, addr string, opts Options) (*TCP, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewTCP(conn, opts), nil
}

func (t *TCP) readLoop() {
	var dec decoder
	buf := make([]byte, 0, 2*tcpReadChunk)
	tmp := make([]byte, tcpReadChunk)
	for {
		n, err := t.conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			frames, used, derr := dec.decode(buf)
			for _, d := range frames {
				if !t.deliver(d.frame, d.size) {
					t.finishRead(nil)
					return
				}
			}
			if len(frames) > 0 {
				t.wake()
			}
			buf = append(buf[:0], buf[used:]...)
			if derr != nil {
				t.conn.Close()
				t.finishRead(derr)
				return
			}
		}
		if err != nil {
			t.finishRead(protocol.Failure(err))
			return
		}
	}
}

func (t *TCP) writeLoop() {
	defer t.conn.Close()

	bw := bufio.NewWriterSize(t.conn, tcpWriteBuffer)
	enc := encoder{preamble: t.opts.Preamble}
	var scratch []byte
	for {
		batch := t.nextBatch(writeBatch)
		if batch == nil {
			return
		}
		for _, f := range batch {
			scratch = enc.append(scratch[:0], f)
			if _, err := bw.Write(scratch); err != nil {
				t.finishRead(protocol.Failure(err))
				return
			}
			t.sent(f, len(scratch))
		}
		if err := bw.Flush(); err != nil {
			t.finishRead(protocol.Failure(err))
			return
		}
		t.writable()
	}
}

// Close flushes queued frames and closes the connection. It does not wait for
// the flush to finish.
func (t *TCP) Close() error {
	if t.markClosing() {
		_ = t.conn.SetWriteDeadline(time.Now().Add(closeLinger))
		_ = t.conn.SetReadDeadline(time.Now().Add(closeLinger))
	}
	return nil
}
