package replicate

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-retryablehttp"
	cid "github.com/ipfs/go-cid"

	"github.com/boxtree/boxtree/geom"
	"github.com/boxtree/boxtree/idgen"
	"github.com/boxtree/boxtree/lwwmap"
	"github.com/boxtree/boxtree/nodemap"
)

// PeerLink fans out delta batches to one peer over a websocket, the
// transport DOMAIN STACK names for carrying the replication bridge's
// Add/Remove messages (wire format is opaque per spec.md §6; JSON frames
// over a websocket per peer is this module's choice, not a contract
// tested in §8).
type PeerLink struct {
	peerID string
	conn   *websocket.Conn
}

// wireKey is Key's JSON-safe encoding. A bare interface{} key would
// round-trip a uint64 branch id as a JSON number, which decodes back as
// float64 — a different concrete type, and therefore a different
// canonical encoding for CID verification. Tagging which field is set
// keeps uint64, string and float64 keys exactly as typed on the receiver.
// int and int64 keys are sent as float64 and any other key type as its
// %v string, so those arrive with a different type than they were sent.
type wireKey struct {
	Str   *string  `json:"str,omitempty"`
	Uint  *uint64  `json:"uint,omitempty"`
	Float *float64 `json:"float,omitempty"`
}

func encodeKey(k nodemap.Key) wireKey {
	switch v := k.(type) {
	case nil:
		return wireKey{}
	case uint64:
		return wireKey{Uint: &v}
	case string:
		return wireKey{Str: &v}
	case float64:
		return wireKey{Float: &v}
	case int:
		f := float64(v)
		return wireKey{Float: &f}
	case int64:
		f := float64(v)
		return wireKey{Float: &f}
	default:
		s := fmt.Sprintf("%v", v)
		return wireKey{Str: &s}
	}
}

func decodeKey(w wireKey) nodemap.Key {
	switch {
	case w.Uint != nil:
		return *w.Uint
	case w.Str != nil:
		return *w.Str
	case w.Float != nil:
		return *w.Float
	default:
		return nil
	}
}

// wireRecord mirrors nodemap.Record with every Key field routed through
// wireKey.
type wireRecord struct {
	Kind     nodemap.Kind `json:"kind"`
	Parent   wireKey      `json:"parent"`
	Box      geom.Box     `json:"box,omitempty"`
	Children []wireKey    `json:"children,omitempty"`
	RootKey  wireKey      `json:"root_key"`
	Ticket   idgen.State  `json:"ticket"`
}

func encodeRecord(r nodemap.Record) wireRecord {
	children := make([]wireKey, len(r.Children))
	for i, c := range r.Children {
		children[i] = encodeKey(c)
	}
	return wireRecord{
		Kind:     r.Kind,
		Parent:   encodeKey(r.Parent),
		Box:      r.Box,
		Children: children,
		RootKey:  encodeKey(r.RootKey),
		Ticket:   r.Ticket,
	}
}

func decodeRecord(w wireRecord) nodemap.Record {
	children := make([]nodemap.Key, len(w.Children))
	for i, c := range w.Children {
		children[i] = decodeKey(c)
	}
	return nodemap.Record{
		Kind:     w.Kind,
		Parent:   decodeKey(w.Parent),
		Box:      w.Box,
		Children: children,
		RootKey:  decodeKey(w.RootKey),
		Ticket:   w.Ticket,
	}
}

// wirePayload mirrors Payload; cid.Cid already marshals to a stable
// string via go-cid's own MarshalJSON, so only Record needs rerouting.
type wirePayload struct {
	Record wireRecord `json:"record"`
	CID    cid.Cid    `json:"cid"`
}

// wireDelta mirrors one lwwmap.Delta whose Value is always a Payload —
// the only kind of value this transport ever carries.
type wireDelta struct {
	Key     wireKey      `json:"key"`
	Tag     lwwmap.Tag   `json:"tag"`
	Removed bool         `json:"removed"`
	Payload *wirePayload `json:"payload,omitempty"`
}

func encodeDelta(d lwwmap.Delta) (wireDelta, error) {
	wd := wireDelta{Key: encodeKey(d.Key), Tag: d.Tag, Removed: d.Removed}
	if d.Removed {
		return wd, nil
	}
	payload, ok := d.Value.(Payload)
	if !ok {
		return wireDelta{}, fmt.Errorf("replicate: delta for %v carries non-payload value %T", d.Key, d.Value)
	}
	wp := wirePayload{Record: encodeRecord(payload.Record), CID: payload.CID}
	wd.Payload = &wp
	return wd, nil
}

func decodeDelta(w wireDelta) lwwmap.Delta {
	d := lwwmap.Delta{Key: decodeKey(w.Key), Tag: w.Tag, Removed: w.Removed}
	if w.Payload != nil {
		d.Value = Payload{Record: decodeRecord(w.Payload.Record), CID: w.Payload.CID}
	}
	return d
}

// message is the wire envelope for one delta batch.
type message struct {
	Deltas []wireDelta `json:"deltas"`
}

// DialPeer opens a websocket to a peer's replication endpoint.
func DialPeer(ctx context.Context, peerID, url string) (*PeerLink, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("replicate: dial peer %s: %w", peerID, err)
	}
	return &PeerLink{peerID: peerID, conn: conn}, nil
}

// Send writes one batch of deltas to the peer as a single JSON frame.
func (p *PeerLink) Send(deltas []lwwmap.Delta) error {
	if len(deltas) == 0 {
		return nil
	}
	wire := make([]wireDelta, len(deltas))
	for i, d := range deltas {
		wd, err := encodeDelta(d)
		if err != nil {
			return fmt.Errorf("replicate: encode delta for peer %s: %w", p.peerID, err)
		}
		wire[i] = wd
	}
	if err := p.conn.WriteJSON(message{Deltas: wire}); err != nil {
		return fmt.Errorf("replicate: send to peer %s: %w", p.peerID, err)
	}
	return nil
}

// Receive blocks for the next delta batch from the peer.
func (p *PeerLink) Receive() ([]lwwmap.Delta, error) {
	var msg message
	if err := p.conn.ReadJSON(&msg); err != nil {
		return nil, fmt.Errorf("replicate: receive from peer %s: %w", p.peerID, err)
	}
	deltas := make([]lwwmap.Delta, len(msg.Deltas))
	for i, wd := range msg.Deltas {
		deltas[i] = decodeDelta(wd)
	}
	return deltas, nil
}

// Close tears down the underlying connection.
func (p *PeerLink) Close() error {
	return p.conn.Close()
}

// Upgrader accepts inbound peer connections on the replication endpoint.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// AcceptPeer upgrades an inbound HTTP request to a PeerLink.
func AcceptPeer(peerID string, w http.ResponseWriter, r *http.Request) (*PeerLink, error) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("replicate: accept peer %s: %w", peerID, err)
	}
	return &PeerLink{peerID: peerID, conn: conn}, nil
}

// PeerHealthURL derives a peer's health-check endpoint from the base
// HTTP address SetMembers is given, the same address FanOut's dial
// closure turns into a websocket URL with PeerWebsocketURL.
func PeerHealthURL(base string) string {
	return strings.TrimRight(base, "/") + "/_health"
}

// PeerWebsocketURL derives a peer's inbound replication endpoint from
// its base HTTP address and the tree id being replicated.
func PeerWebsocketURL(base, treeID string) string {
	u := base
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return strings.TrimRight(u, "/") + "/trees/" + treeID + "/peer"
}

// HealthCheck dials a peer's health endpoint with retry/backoff before
// set_members admits it to the neighbor list, per spec.md §4.6's
// membership-refresh step. The backoff window is kept short relative to
// retryablehttp's defaults: set_members runs inline on an admin request,
// and a peer that can't answer within a couple hundred milliseconds
// three times over isn't a peer worth admitting.
func HealthCheck(ctx context.Context, healthURL string) error {
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = 2
	client.RetryWaitMin = 50 * time.Millisecond
	client.RetryWaitMax = 200 * time.Millisecond

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return fmt.Errorf("replicate: build health request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("replicate: health check %s: %w", healthURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("replicate: peer %s unhealthy: status %d", healthURL, resp.StatusCode)
	}
	return nil
}
