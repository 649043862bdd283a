package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/repcl/repcl/internal/clock"
	"github.com/repcl/repcl/internal/node"
)

// udpPeerLink implements node.Receiver and node.PeerBroadcaster over plain
// UDP datagrams, standing in for the simulator's in-process Channel when a
// node runs against a real network peer list. Peer identity is resolved
// from the configured peer list rather than carried on the wire, matching
// how RegisterNode-assigned ids work on the collector side.
type udpPeerLink struct {
	conn     *net.UDPConn
	peerAddr map[string]uint // "host:port" -> peer id, excludes self
	others   []*net.UDPAddr
	logger   *slog.Logger

	inbound chan node.Inbound
	done    chan struct{}
	tick    uint32
}

// newUDPPeerLink binds localAddr and resolves every entry of peers other
// than selfID into a send target.
func newUDPPeerLink(localAddr string, peers []string, selfID uint, logger *slog.Logger) (*udpPeerLink, error) {
	laddr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("udplink: resolve local addr %q: %w", localAddr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("udplink: listen %q: %w", localAddr, err)
	}

	l := &udpPeerLink{
		conn:     conn,
		peerAddr: make(map[string]uint, len(peers)),
		logger:   logger,
		inbound:  make(chan node.Inbound, 64),
		done:     make(chan struct{}),
	}
	for id, addr := range peers {
		if uint(id) == selfID || addr == "" {
			continue
		}
		raddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("udplink: resolve peer addr %q: %w", addr, err)
		}
		l.peerAddr[raddr.String()] = uint(id)
		l.others = append(l.others, raddr)
	}
	return l, nil
}

// Start begins the read loop. It satisfies node.Receiver.
func (l *udpPeerLink) Start(ctx context.Context) error {
	go l.readLoop(ctx)
	return nil
}

// Stop closes the socket, unblocking the read loop, and waits for it to
// exit. It satisfies node.Receiver.
func (l *udpPeerLink) Stop() {
	_ = l.conn.Close()
	<-l.done
}

// Inbound satisfies node.Receiver.
func (l *udpPeerLink) Inbound() <-chan node.Inbound {
	return l.inbound
}

// Broadcast sends payload to every configured peer. It satisfies
// node.PeerBroadcaster.
func (l *udpPeerLink) Broadcast(_ context.Context, payload []byte) {
	for _, addr := range l.others {
		if _, err := l.conn.WriteToUDP(payload, addr); err != nil {
			l.logger.Warn("udplink: send failed", slog.String("addr", addr.String()), slog.Any("error", err))
		}
	}
}

func (l *udpPeerLink) readLoop(ctx context.Context) {
	defer close(l.done)
	defer close(l.inbound)

	buf := make([]byte, clock.WireSize)
	for {
		n, raddr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if ctx.Err() != nil {
				return
			}
			l.logger.Warn("udplink: read failed", slog.Any("error", err))
			return
		}
		if n != clock.WireSize {
			l.logger.Warn("udplink: dropped malformed frame", slog.Int("size", n), slog.String("from", raddr.String()))
			continue
		}

		peerID, ok := l.peerAddr[raddr.String()]
		if !ok {
			l.logger.Warn("udplink: dropped frame from unknown peer", slog.String("from", raddr.String()))
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])

		l.tick++
		in := node.Inbound{
			PeerID:     peerID,
			RemoteAddr: raddr.String(),
			Payload:    payload,
			NodeHLC:    l.tick,
		}
		select {
		case l.inbound <- in:
		case <-ctx.Done():
			return
		}
	}
}
