package dht

import (
	"context"
	"time"
)

// Announce runs the announce flow of spec §4.E Announce flow: GET_PEERS to
// the K closest nodes for infoHash (caching any tokens returned), pause,
// then ANNOUNCE_PEER to every node that returned a token, and finally
// record the announce locally so this node's own PeerLookup calls see it.
func (d *DHT) Announce(ctx context.Context, infoHash, destination string) {
	target, err := parseNodeID(infoHash)
	if err != nil {
		return
	}
	closest := d.routing.ClosestN(target, K)

	type tokened struct {
		node  *Node
		token string
	}
	var withToken []tokened

	for _, n := range closest {
		if ctx.Err() != nil {
			return
		}
		var resp GetPeersResponse
		if !d.request(ctx, n.Destination, MsgGetPeers, GetPeersPayload{
			InfoHash: infoHash,
			Origin:   destination,
		}, &resp) {
			continue
		}
		if resp.Token == "" {
			continue
		}
		d.reqTokens.store(n.ID.String(), string(n.Destination), resp.Token)
		withToken = append(withToken, tokened{node: n, token: resp.Token})
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(announceWait):
	}

	for _, t := range withToken {
		if ctx.Err() != nil {
			return
		}
		d.request(ctx, t.node.Destination, MsgAnnouncePeer, AnnouncePeerPayload{
			InfoHash: infoHash,
			Port:     destination,
			Token:    t.token,
			Origin:   destination,
		}, &struct{}{})
	}

	d.swarm.Record(infoHash, destination)
}
