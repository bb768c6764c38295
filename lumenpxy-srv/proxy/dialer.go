package proxy

import (
	"context"
	"net"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/Jigsaw-Code/outline-sdk/transport/socks5"

	"github.com/lumenpxy/lumenpxy/lumenpxy-srv/config"
	"github.com/lumenpxy/lumenpxy/lumenpxy-srv/logger"
)

// newStreamDialer builds the outbound dialer shared by the forwarder and
// the tunnel manager. Connect deadlines come from the caller's context.
func newStreamDialer(up config.UpstreamConfig) (transport.StreamDialer, error) {
	tcp := &transport.TCPDialer{Dialer: net.Dialer{KeepAlive: 30 * time.Second}}

	switch up.Type {
	case "", config.UpstreamDirect:
		return tcp, nil
	case config.UpstreamSocks5:
		endpoint := &transport.StreamDialerEndpoint{Dialer: tcp, Address: up.Address}
		client, err := socks5.NewClient(endpoint)
		if err != nil {
			return nil, NewProxyError(ErrCodeSOCKS5DialerFailed, "", err)
		}
		if up.Username != nil && *up.Username != "" {
			password := ""
			if up.Password != nil {
				password = *up.Password
			}
			if err := client.SetCredentials([]byte(*up.Username), []byte(password)); err != nil {
				return nil, NewProxyError(ErrCodeSOCKS5DialerFailed, "invalid SOCKS5 credentials", err)
			}
		}
		logger.Debug("Dialing origins through SOCKS5 proxy %s", up.Address)
		return client, nil
	default:
		return nil, NewProxyError(ErrCodeInvalidUpstream, "unsupported upstream type "+string(up.Type), nil)
	}
}

// dialContextFunc adapts a StreamDialer to http.Transport.DialContext.
func dialContextFunc(d transport.StreamDialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := d.DialStream(ctx, addr)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}
