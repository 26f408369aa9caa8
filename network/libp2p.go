package network

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	libp2pnetwork "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/multiformats/go-multiaddr"
)

const discoveryNamespace = "sultan-network"

// P2PTransport runs the production gossip fabric: a libp2p host with
// gossipsub for the three topics, mDNS for local discovery and a
// Kademlia DHT for wide-area discovery. Connected peers are mirrored
// into a PeerRing for block-sync target selection.
type P2PTransport struct {
	host   host.Host
	pubsub *pubsub.PubSub
	dht    *dht.IpfsDHT
	ring   *PeerRing
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

func NewP2PTransport(listenPort int, bootstrapPeers []multiaddr.Multiaddr) (*P2PTransport, error) {
	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort)),
		libp2p.NATPortMap(),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}
	log.Printf("INFO: libp2p host %s listening on %v", h.ID(), h.Addrs())

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("failed to create gossipsub: %w", err)
	}

	kadDHT, err := dht.New(ctx, h, dht.Mode(dht.ModeServer))
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("failed to create DHT: %w", err)
	}
	if err := kadDHT.Bootstrap(ctx); err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("failed to bootstrap DHT: %w", err)
	}

	t := &P2PTransport{
		host:   h,
		pubsub: ps,
		dht:    kadDHT,
		ring:   NewPeerRing(),
		ctx:    ctx,
		cancel: cancel,
		topics: make(map[string]*pubsub.Topic),
	}

	h.Network().Notify(&libp2pnetwork.NotifyBundle{
		ConnectedF: func(_ libp2pnetwork.Network, conn libp2pnetwork.Conn) {
			t.ring.Add(conn.RemotePeer().String())
		},
		DisconnectedF: func(_ libp2pnetwork.Network, conn libp2pnetwork.Conn) {
			t.ring.Remove(conn.RemotePeer().String())
		},
	})

	t.connectBootstrapPeers(bootstrapPeers)
	t.startMDNS()
	t.startDHTDiscovery()

	return t, nil
}

func (t *P2PTransport) connectBootstrapPeers(addrs []multiaddr.Multiaddr) {
	for _, addr := range addrs {
		pi, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			log.Printf("WARN: invalid bootstrap peer address %s: %v", addr, err)
			continue
		}
		if pi.ID == t.host.ID() {
			continue
		}
		go func(pi peer.AddrInfo) {
			connectCtx, connectCancel := context.WithTimeout(t.ctx, 10*time.Second)
			defer connectCancel()
			if err := t.host.Connect(connectCtx, pi); err != nil {
				log.Printf("WARN: failed to connect to bootstrap peer %s: %v", pi.ID, err)
			} else {
				log.Printf("INFO: connected to bootstrap peer %s", pi.ID)
			}
		}(*pi)
	}
}

// HandlePeerFound satisfies the mDNS notifee interface.
func (t *P2PTransport) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == t.host.ID() {
		return
	}
	go func() {
		connectCtx, connectCancel := context.WithTimeout(t.ctx, 10*time.Second)
		defer connectCancel()
		if err := t.host.Connect(connectCtx, pi); err != nil {
			log.Printf("WARN: failed to connect to mDNS peer %s: %v", pi.ID, err)
		}
	}()
}

func (t *P2PTransport) startMDNS() {
	service := mdns.NewMdnsService(t.host, discoveryNamespace, t)
	if err := service.Start(); err != nil {
		log.Printf("WARN: failed to start mDNS discovery: %v", err)
	}
}

func (t *P2PTransport) startDHTDiscovery() {
	routingDiscovery := routing.NewRoutingDiscovery(t.dht)
	routingDiscovery.Advertise(t.ctx, discoveryNamespace)

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-t.ctx.Done():
				return
			case <-ticker.C:
				peerChan, err := routingDiscovery.FindPeers(t.ctx, discoveryNamespace)
				if err != nil {
					log.Printf("WARN: DHT peer discovery failed: %v", err)
					continue
				}
				for pi := range peerChan {
					if pi.ID == t.host.ID() || len(pi.Addrs) == 0 {
						continue
					}
					t.HandlePeerFound(pi)
				}
			}
		}
	}()
}

func (t *P2PTransport) topic(name string) (*pubsub.Topic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if topic, joined := t.topics[name]; joined {
		return topic, nil
	}
	topic, err := t.pubsub.Join(name)
	if err != nil {
		return nil, fmt.Errorf("failed to join topic %s: %w", name, err)
	}
	t.topics[name] = topic
	return topic, nil
}

func (t *P2PTransport) Publish(topicName string, data []byte) error {
	topic, err := t.topic(topicName)
	if err != nil {
		return err
	}
	return topic.Publish(t.ctx, data)
}

func (t *P2PTransport) Subscribe(topicName string, deliver func(data []byte)) error {
	topic, err := t.topic(topicName)
	if err != nil {
		return err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topicName, err)
	}

	go func() {
		for {
			msg, err := sub.Next(t.ctx)
			if err != nil {
				if t.ctx.Err() == nil {
					log.Printf("WARN: subscription %s closed: %v", topicName, err)
				}
				return
			}
			if msg.ReceivedFrom == t.host.ID() {
				continue
			}
			deliver(msg.Data)
		}
	}()
	return nil
}

// Ring exposes the connected-peer ring for sync target selection.
func (t *P2PTransport) Ring() *PeerRing {
	return t.ring
}

// Host exposes the underlying libp2p host for stream protocols.
func (t *P2PTransport) Host() host.Host {
	return t.host
}

func (t *P2PTransport) Close() error {
	t.cancel()
	if t.dht != nil {
		if err := t.dht.Close(); err != nil {
			log.Printf("WARN: error closing DHT: %v", err)
		}
	}
	if err := t.host.Close(); err != nil {
		return fmt.Errorf("error closing libp2p host: %w", err)
	}
	return nil
}
