package addr

import "net"

// Listen creates a Listener listening on the specified address and
// returns it along with the TCP port it is bound to (0 if the address
// is not TCP).
//
// Its main use is listening on port 0 so the system selects a free TCP
// port, then getting that port number back.
func Listen(a net.Addr) (l net.Listener, port int, err error) {
	l, err = net.Listen(a.Network(), a.String())
	if err != nil {
		return nil, 0, err
	}
	if tcpAddr, ok := l.Addr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}
	return l, port, nil
}
