package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// DialTCP connects to the bus over TCP, as described by addr. TCP
// listeners have no peer-credential mechanism, so the handshake always
// falls back to ANONYMOUS and never negotiates Unix fd passing.
func DialTCP(ctx context.Context, addr Address) (Transport, error) {
	host, port := addr.Params["host"], addr.Params["port"]
	if host == "" || port == "" {
		return nil, fmt.Errorf("tcp address missing host or port parameter")
	}

	var d net.Dialer
	if dl, ok := ctx.Deadline(); ok {
		d.Deadline = dl
	}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, err
	}

	ret := &tcpTransport{conn: conn}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := conn.SetDeadline(deadline); err != nil {
		ret.Close()
		return nil, err
	}

	wantGuid, _ := addr.Guid()
	if _, err := Authenticate(ret, -1, wantGuid, false); err != nil {
		ret.Close()
		return nil, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		ret.Close()
		return nil, err
	}

	return ret, nil
}

// tcpTransport is a Transport over a plain TCP connection. It never
// carries file descriptors.
type tcpTransport struct {
	conn net.Conn
}

func (t *tcpTransport) SupportsFDs() bool { return false }

func (t *tcpTransport) Read(bs []byte) (int, error) {
	return t.conn.Read(bs)
}

func (t *tcpTransport) Write(bs []byte) (int, error) {
	return t.conn.Write(bs)
}

func (t *tcpTransport) Close() error {
	return t.conn.Close()
}

func (t *tcpTransport) WriteWithFiles(bs []byte, fs []*os.File) (int, error) {
	if len(fs) != 0 {
		return 0, errors.New("tcp transport cannot carry file descriptors")
	}
	return t.Write(bs)
}

func (t *tcpTransport) GetFiles(n int) ([]*os.File, error) {
	if n != 0 {
		return nil, errors.New("tcp transport cannot carry file descriptors")
	}
	return nil, nil
}
