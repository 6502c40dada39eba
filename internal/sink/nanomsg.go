package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pub"

	_ "go.nanomsg.org/mangos/v3/transport/ipc"
	_ "go.nanomsg.org/mangos/v3/transport/tcp"
)

// Nanomsg publishes measurements as JSON on a PUB socket.
type Nanomsg struct {
	sock mangos.Socket
	addr string
}

// NewNanomsg creates a PUB socket listening on addr, e.g. tcp://:9012.
func NewNanomsg(addr string) (*Nanomsg, error) {
	sock, err := pub.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("could not create pub socket: %w", err)
	}

	if err := sock.Listen(addr); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("could not listen on %q: %w", addr, err)
	}

	return &Nanomsg{sock: sock, addr: addr}, nil
}

// Push publishes m to every subscriber.
func (n *Nanomsg) Push(ctx context.Context, m Measurement) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := n.sock.Send(payload); err != nil {
		return fmt.Errorf("could not publish on %q: %w", n.addr, err)
	}
	return nil
}

// Close closes the socket.
func (n *Nanomsg) Close() error {
	return n.sock.Close()
}
