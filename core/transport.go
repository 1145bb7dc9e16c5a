package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// RelayEvent is the wire shape of one Nostr-like relay event — kept generic
// (string content, string tags) so gift-wrap layering can nest one event
// inside another's Content field, matching the teacher's own preference for
// thin wire structs over a byte-protocol (core/peer_management.go's
// InboundMsg).
type RelayEvent struct {
	ID        string     `json:"id"`
	Kind      string     `json:"kind"`
	PubkeyHex string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Tags      [][]string `json:"tags,omitempty"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig,omitempty"`
}

const (
	kindDirectMessage   = "direct-message"
	kindSeal            = "seal"
	kindTokenTransfer   = "token-transfer"
	kindPaymentRequest  = "payment-request"
	kindPaymentResponse = "payment-response"
	kindIdentityBind    = "identity-binding"
)

func eventID(e *RelayEvent) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s", e.Kind, e.PubkeyHex, e.CreatedAt, e.Content)))
	return hex.EncodeToString(h[:])
}

func addressHash(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

// DirectMessage is a decoded inbound direct message.
type DirectMessage struct {
	SenderPubkeyHex string
	SenderNametag   string
	Text            string
}

// TokenTransferPayload is the decoded content of a "token-transfer" event.
type TokenTransferPayload struct {
	Token  SdkBlob `json:"token"`
	Proof  *Proof  `json:"proof"`
	Memo   string  `json:"memo,omitempty"`
	Sender struct {
		Pubkey  string `json:"pubkey"`
		Nametag string `json:"nametag,omitempty"`
	} `json:"sender"`
}

// InboundTokenTransfer pairs a decoded payload with the dedup key spec
// §4.4 requires: (senderPubkey, transferId).
type InboundTokenTransfer struct {
	TransferId string
	Payload    TokenTransferPayload
}

// PeerInfo is what address resolution yields.
type PeerInfo struct {
	TransportPubkeyHex string
	ChainPubkey        string
	L1Address          string
	DirectAddress      string
	ProxyAddress       string
	Nametag            string
	EncryptedNametag   string
}

// identityBindingContent is the JSON content of an identity-binding event.
type identityBindingContent struct {
	PublicKey        string `json:"public_key"`
	L1Address        string `json:"l1_address"`
	DirectAddress    string `json:"direct_address"`
	Nametag          string `json:"nametag,omitempty"`
	EncryptedNametag string `json:"encrypted_nametag,omitempty"`
	ProxyAddress     string `json:"proxy_address,omitempty"`
}

type relayConn struct {
	url    string
	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
}

// Transport is the Nostr-like P2P layer: a pool of relay websocket
// connections with reconnect/backoff, gift-wrapped direct messages and
// token-transfer events, and identity-binding publish/resolve. Grounded on
// the teacher's core/peer_management.go (connection pool, subscription
// channels, logrus logging) generalized from libp2p pubsub topics to
// Nostr-style relay frames over gorilla/websocket, with cenkalti/backoff
// (as used in the pack's degeri-dcrlnd) driving reconnect.
type Transport struct {
	envelope Envelope

	mu       sync.RWMutex
	relays   map[string]*relayConn
	identity *Identity

	seen *lru.Cache[string, struct{}]

	bindingCache map[string]*PeerInfo

	DirectMessages chan DirectMessage
	TokenTransfers chan InboundTokenTransfer

	logger *logrus.Logger

	dialTimeout  time.Duration
	queryTimeout time.Duration
}

// NewTransport builds a Transport with no relays yet connected.
func NewTransport(env Envelope, lg *logrus.Logger) (*Transport, error) {
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	seen, err := lru.New[string, struct{}](4096)
	if err != nil {
		return nil, err
	}
	return &Transport{
		envelope:       env,
		relays:         make(map[string]*relayConn),
		seen:           seen,
		bindingCache:   make(map[string]*PeerInfo),
		DirectMessages: make(chan DirectMessage, 64),
		TokenTransfers: make(chan InboundTokenTransfer, 64),
		logger:         lg,
		dialTimeout:    5 * time.Second,
		queryTimeout:   5 * time.Second,
	}, nil
}

// SetIdentity installs the active identity. Existing relay connections are
// kept as they are; the client is not recreated, and AddRelay on a URL that
// is already in the pool returns without redialing.
func (t *Transport) SetIdentity(id *Identity) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.identity = id
}

// AddRelay dials url and starts its read loop with reconnect-on-drop.
func (t *Transport) AddRelay(ctx context.Context, url string) error {
	t.mu.Lock()
	if _, ok := t.relays[url]; ok {
		t.mu.Unlock()
		return nil
	}
	rctx, cancel := context.WithCancel(ctx)
	rc := &relayConn{url: url, cancel: cancel}
	t.relays[url] = rc
	t.mu.Unlock()

	go t.runRelay(rctx, rc)
	return nil
}

// RemoveRelay closes and forgets url.
func (t *Transport) RemoveRelay(url string) error {
	t.mu.Lock()
	rc, ok := t.relays[url]
	delete(t.relays, url)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	rc.cancel()
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.conn != nil {
		return rc.conn.Close()
	}
	return nil
}

// Close cancels every relay's read loop and releases its connection,
// scoped to the transport's lifetime (spec §5 resource discipline).
func (t *Transport) Close() error {
	t.mu.Lock()
	relays := make([]*relayConn, 0, len(t.relays))
	for _, rc := range t.relays {
		relays = append(relays, rc)
	}
	t.relays = make(map[string]*relayConn)
	t.mu.Unlock()

	var firstErr error
	for _, rc := range relays {
		rc.cancel()
		rc.mu.Lock()
		if rc.conn != nil {
			if err := rc.conn.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		rc.mu.Unlock()
	}
	return firstErr
}

// Health reports per-relay connectedness.
func (t *Transport) Health() map[string]bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]bool, len(t.relays))
	for url, rc := range t.relays {
		rc.mu.Lock()
		out[url] = rc.conn != nil
		rc.mu.Unlock()
	}
	return out
}

func (t *Transport) runRelay(ctx context.Context, rc *relayConn) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	_ = backoff.Retry(func() error {
		if ctx.Err() != nil {
			return nil
		}
		dialCtx, cancel := context.WithTimeout(ctx, t.dialTimeout)
		conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, rc.url, nil)
		cancel()
		if err != nil {
			t.logger.WithError(err).WithField("relay", rc.url).Warn("transport: dial failed, retrying")
			return err
		}
		rc.mu.Lock()
		rc.conn = conn
		rc.mu.Unlock()
		t.logger.WithField("relay", rc.url).Info("transport: relay connected")

		t.readLoop(ctx, rc)

		rc.mu.Lock()
		rc.conn = nil
		rc.mu.Unlock()
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("transport: relay %s dropped", rc.url)
	}, backoff.WithContext(b, ctx))
}

func (t *Transport) readLoop(ctx context.Context, rc *relayConn) {
	for {
		if ctx.Err() != nil {
			return
		}
		_, raw, err := rc.conn.ReadMessage()
		if err != nil {
			t.logger.WithError(err).WithField("relay", rc.url).Warn("transport: read failed")
			return
		}
		var ev RelayEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			continue
		}
		t.dispatch(ev)
	}
}

func (t *Transport) dispatch(ev RelayEvent) {
	id := eventID(&ev)
	if _, ok := t.seen.Get(id); ok {
		return
	}
	t.seen.Add(id, struct{}{})

	t.mu.RLock()
	id2 := t.identity
	t.mu.RUnlock()
	if id2 != nil && ev.PubkeyHex == id2.ChainPubkey {
		return
	}

	switch ev.Kind {
	case kindDirectMessage:
		senderHex, plaintext, err := t.unwrapGift(ev)
		if err != nil {
			t.logger.WithError(err).Debug("transport: direct-message unwrap failed")
			return
		}
		var body struct {
			SenderNametag string `json:"senderNametag,omitempty"`
			Text          string `json:"text"`
		}
		if err := json.Unmarshal(plaintext, &body); err != nil {
			return
		}
		select {
		case t.DirectMessages <- DirectMessage{SenderPubkeyHex: senderHex, SenderNametag: body.SenderNametag, Text: body.Text}:
		default:
		}
	case kindTokenTransfer:
		senderHex, plaintext, err := t.unwrapGift(ev)
		if err != nil {
			t.logger.WithError(err).Debug("transport: token-transfer unwrap failed")
			return
		}
		const prefix = "token_transfer:"
		s := string(plaintext)
		if !strings.HasPrefix(s, prefix) {
			return
		}
		var payload TokenTransferPayload
		if err := json.Unmarshal([]byte(s[len(prefix):]), &payload); err != nil {
			return
		}
		payload.Sender.Pubkey = senderHex
		transferId := ev.tag("transfer_id")
		select {
		case t.TokenTransfers <- InboundTokenTransfer{TransferId: senderHex + ":" + transferId, Payload: payload}:
		default:
		}
	case kindIdentityBind:
		var content identityBindingContent
		if err := json.Unmarshal([]byte(ev.Content), &content); err != nil {
			return
		}
		info := &PeerInfo{
			TransportPubkeyHex: ev.tag("d-source"),
			ChainPubkey:        content.PublicKey,
			L1Address:          content.L1Address,
			DirectAddress:      content.DirectAddress,
			ProxyAddress:       content.ProxyAddress,
			Nametag:            content.Nametag,
			EncryptedNametag:   content.EncryptedNametag,
		}
		t.mu.Lock()
		for _, addr := range []string{content.PublicKey, content.DirectAddress, content.L1Address, content.ProxyAddress, content.Nametag} {
			if addr == "" {
				continue
			}
			t.bindingCache[addressHash("unicity:address:"+addr)] = info
		}
		t.mu.Unlock()
	}
}

func (e *RelayEvent) tag(key string) string {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == key {
			return tag[1]
		}
	}
	return ""
}

func parsePubkeyHex(s string) (*btcec.PublicKey, error) {
	raw, err := decodeHexLoose(s)
	if err != nil {
		return nil, err
	}
	return btcec.ParsePubKey(raw)
}

// giftWrap produces the two-layer envelope spec §4.4 describes: a sealed
// event (encrypted directly sender→recipient) wrapped by an
// ephemerally-keyed outer event that only the recipient can unwrap.
func (t *Transport) giftWrap(kind string, recipientPub *btcec.PublicKey, plaintext []byte, extraTags [][]string) (*RelayEvent, error) {
	t.mu.RLock()
	id := t.identity
	t.mu.RUnlock()
	if id == nil {
		return nil, NewError(KindNotConnected, "transport: no active identity", nil)
	}

	sealedCipher, err := t.envelope.Seal(id.PrivateKey(), recipientPub, plaintext)
	if err != nil {
		return nil, fmt.Errorf("transport: seal: %w", err)
	}
	sealed := RelayEvent{
		Kind:      kindSeal,
		PubkeyHex: id.ChainPubkey,
		CreatedAt: time.Now().Unix(),
		Content:   hex.EncodeToString(sealedCipher),
	}
	sealedBytes, err := json.Marshal(sealed)
	if err != nil {
		return nil, err
	}

	ephPriv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	outerCipher, err := t.envelope.Seal(ephPriv, recipientPub, sealedBytes)
	if err != nil {
		return nil, fmt.Errorf("transport: gift wrap: %w", err)
	}

	recipientHex := hex.EncodeToString(recipientPub.SerializeCompressed())
	tags := append([][]string{{"p", recipientHex}}, extraTags...)
	outer := &RelayEvent{
		Kind:      kind,
		PubkeyHex: hex.EncodeToString(ephPriv.PubKey().SerializeCompressed()),
		CreatedAt: time.Now().Unix(),
		Tags:      tags,
		Content:   hex.EncodeToString(outerCipher),
	}
	outer.ID = eventID(outer)
	sig, err := schnorr.Sign(ephPriv, []byte(outer.ID)[:32])
	if err == nil {
		outer.Sig = hex.EncodeToString(sig.Serialize())
	}
	return outer, nil
}

func (t *Transport) unwrapGift(outer RelayEvent) (senderPubHex string, plaintext []byte, err error) {
	t.mu.RLock()
	id := t.identity
	t.mu.RUnlock()
	if id == nil {
		return "", nil, NewError(KindNotConnected, "transport: no active identity", nil)
	}
	ephPub, err := parsePubkeyHex(outer.PubkeyHex)
	if err != nil {
		return "", nil, err
	}
	outerCipher, err := decodeHexLoose(outer.Content)
	if err != nil {
		return "", nil, err
	}
	sealedBytes, err := t.envelope.Open(id.PrivateKey(), ephPub, outerCipher)
	if err != nil {
		return "", nil, err
	}
	var sealed RelayEvent
	if err := json.Unmarshal(sealedBytes, &sealed); err != nil {
		return "", nil, err
	}
	senderPub, err := parsePubkeyHex(sealed.PubkeyHex)
	if err != nil {
		return "", nil, err
	}
	innerCipher, err := decodeHexLoose(sealed.Content)
	if err != nil {
		return "", nil, err
	}
	plaintext, err = t.envelope.Open(id.PrivateKey(), senderPub, innerCipher)
	return sealed.PubkeyHex, plaintext, err
}

func (t *Transport) publish(ctx context.Context, ev *RelayEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	t.mu.RLock()
	relays := make([]*relayConn, 0, len(t.relays))
	for _, rc := range t.relays {
		relays = append(relays, rc)
	}
	t.mu.RUnlock()
	if len(relays) == 0 {
		return NewError(KindNotConnected, "transport: no relays connected", nil)
	}
	var lastErr error
	sent := 0
	for _, rc := range relays {
		rc.mu.Lock()
		conn := rc.conn
		rc.mu.Unlock()
		if conn == nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			lastErr = err
			continue
		}
		sent++
	}
	if sent == 0 {
		if lastErr == nil {
			lastErr = NewError(KindNotConnected, "transport: no relay accepted publish", nil)
		}
		return lastErr
	}
	return nil
}

// SendMessage gift-wraps {senderNametag?, text} and publishes a
// direct-message event to recipientPub.
func (t *Transport) SendMessage(ctx context.Context, recipientPub *btcec.PublicKey, text string) error {
	t.mu.RLock()
	id := t.identity
	t.mu.RUnlock()
	body := struct {
		SenderNametag string `json:"senderNametag,omitempty"`
		Text          string `json:"text"`
	}{Text: text}
	if id != nil {
		body.SenderNametag = id.Nametag
	}
	plaintext, err := json.Marshal(body)
	if err != nil {
		return err
	}
	ev, err := t.giftWrap(kindDirectMessage, recipientPub, plaintext, nil)
	if err != nil {
		return err
	}
	return t.publish(ctx, ev)
}

// SendTokenTransfer gift-wraps a "token_transfer:"-prefixed payload and
// publishes it, tagging the transfer id for idempotent redelivery.
func (t *Transport) SendTokenTransfer(ctx context.Context, recipientPub *btcec.PublicKey, transferId string, payload TokenTransferPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	plaintext := []byte("token_transfer:" + string(body))
	ev, err := t.giftWrap(kindTokenTransfer, recipientPub, plaintext, [][]string{{"transfer_id", transferId}})
	if err != nil {
		return err
	}
	return t.publish(ctx, ev)
}

// PublishIdentityBinding publishes the parameterized-replaceable binding
// event spec §4.4/§6 describes: `d` tag keyed by the transport pubkey, `t`
// tags carrying address hashes for reverse lookup.
func (t *Transport) PublishIdentityBinding(ctx context.Context, chainPubkey, l1Address, directAddress, nametag string, encryptedNametag string, proxyAddress string) error {
	t.mu.RLock()
	id := t.identity
	t.mu.RUnlock()
	if id == nil {
		return NewError(KindNotConnected, "transport: no active identity", nil)
	}
	content := identityBindingContent{
		PublicKey:        chainPubkey,
		L1Address:        l1Address,
		DirectAddress:    directAddress,
		Nametag:          nametag,
		EncryptedNametag: encryptedNametag,
		ProxyAddress:     proxyAddress,
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return err
	}
	dTag := addressHash("unicity:identity:" + hex.EncodeToString(id.TransportPubkey[:]))
	tags := [][]string{{"d", dTag}}
	for _, addr := range []string{chainPubkey, directAddress, l1Address, proxyAddress} {
		if addr != "" {
			tags = append(tags, []string{"t", addressHash("unicity:address:" + addr)})
		}
	}
	if nametag != "" {
		tags = append(tags, []string{"t", addressHash("unicity:address:" + nametag)})
	}
	ev := &RelayEvent{
		Kind:      kindIdentityBind,
		PubkeyHex: id.ChainPubkey,
		CreatedAt: time.Now().Unix(),
		Tags:      tags,
		Content:   string(raw),
	}
	ev.ID = eventID(ev)
	sig, err := schnorr.Sign(id.PrivateKey(), []byte(ev.ID)[:32])
	if err == nil {
		ev.Sig = hex.EncodeToString(sig.Serialize())
	}
	return t.publish(ctx, ev)
}

// RegisterNametag claims name for the active identity, refusing if a
// binding already exists under a different identity (chain pubkey).
func (t *Transport) RegisterNametag(ctx context.Context, name string, encryptedNametag string) (bool, error) {
	if existing, err := t.Resolve(ctx, "@"+name); err == nil && existing != nil {
		t.mu.RLock()
		id := t.identity
		t.mu.RUnlock()
		if id == nil || existing.ChainPubkey != id.ChainPubkey {
			return false, nil
		}
	}
	t.mu.RLock()
	id := t.identity
	t.mu.RUnlock()
	if id == nil {
		return false, NewError(KindNotConnected, "transport: no active identity", nil)
	}
	if err := t.PublishIdentityBinding(ctx, id.ChainPubkey, id.L1Address, id.DirectAddress, name, encryptedNametag, ""); err != nil {
		return false, err
	}
	return true, nil
}

// Resolve strips a leading "@" from identifier and looks its address hash
// up among the identity-binding events this transport has already
// observed, which are indexed by chain pubkey, direct address, L1 address,
// proxy address and nametag. There is no per-shape dispatch, and a 64-hex
// transport pubkey is not indexed, so it does not resolve.
func (t *Transport) Resolve(ctx context.Context, identifier string) (*PeerInfo, error) {
	lookup := strings.TrimPrefix(identifier, "@")
	hashKey := addressHash("unicity:address:" + lookup)

	// Resolution requires querying relay-stored events by tag, which is a
	// relay-side REQ/filter operation; the in-process cache below only
	// serves bindings this transport has already observed via dispatch.
	t.mu.RLock()
	defer t.mu.RUnlock()
	if cached, ok := t.bindingCache[hashKey]; ok {
		return cached, nil
	}
	return nil, NewError(KindInvalidRecipient, "transport: identifier not resolved", nil)
}

const nametagEncryptionInfo = "nametag-encryption"

// EncryptNametag AES-GCM-encrypts name under a key derived from priv via
// HKDF(priv, "sphere-nametag-salt", "nametag-encryption"), for embedding as
// an identity-binding event's encrypted_nametag field.
func EncryptNametag(priv *btcec.PrivateKey, name string) (string, error) {
	key, err := HKDFKey(priv.Serialize(), "sphere-nametag-salt", nametagEncryptionInfo, 32)
	if err != nil {
		return "", err
	}
	ct, err := aesGCMSeal(key, []byte(name))
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(ct), nil
}

func decryptNametag(priv *btcec.PrivateKey, encryptedHex string) (string, error) {
	key, err := HKDFKey(priv.Serialize(), "sphere-nametag-salt", nametagEncryptionInfo, 32)
	if err != nil {
		return "", err
	}
	ct, err := decodeHexLoose(encryptedHex)
	if err != nil {
		return "", err
	}
	pt, err := aesGCMOpen(key, ct)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// RecoverNametag recovers the active identity's previously-registered
// nametag after a fresh mnemonic import, by scanning identity-binding
// events this transport has observed for one whose public_key is the
// active identity's chain pubkey and decrypting its encrypted_nametag
// field. Relays are not queried, and the event author is not checked.
func (t *Transport) RecoverNametag(ctx context.Context) (string, bool, error) {
	t.mu.RLock()
	id := t.identity
	bindings := make([]*PeerInfo, 0, len(t.bindingCache))
	seenPtr := make(map[*PeerInfo]bool)
	for _, info := range t.bindingCache {
		if !seenPtr[info] {
			seenPtr[info] = true
			bindings = append(bindings, info)
		}
	}
	t.mu.RUnlock()
	if id == nil {
		return "", false, NewError(KindNotConnected, "transport: no active identity", nil)
	}
	for _, info := range bindings {
		if info.ChainPubkey != id.ChainPubkey {
			continue
		}
		if info.Nametag != "" {
			return info.Nametag, true, nil
		}
		if info.EncryptedNametag != "" {
			name, err := decryptNametag(id.PrivateKey(), info.EncryptedNametag)
			if err != nil {
				continue
			}
			return name, true, nil
		}
	}
	return "", false, nil
}
