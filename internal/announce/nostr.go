package announce

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// KindTextNote is the NIP-01 short text note kind.
const KindTextNote = 1

// Event is a NIP-01 event.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Serialize returns the NIP-01 canonical form hashed into the event id:
// [0,pubkey,created_at,kind,tags,content] with no whitespace. Strings escape
// only \n \" \\ \r \t \b \f; every other character is written verbatim,
// which encoding/json does not do.
func (e Event) Serialize() []byte {
	var b bytes.Buffer
	b.WriteString("[0,")
	writeNIP01String(&b, e.PubKey)
	b.WriteByte(',')
	b.WriteString(strconv.FormatInt(e.CreatedAt, 10))
	b.WriteByte(',')
	b.WriteString(strconv.Itoa(e.Kind))
	b.WriteString(",[")
	for i, tag := range e.Tags {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('[')
		for j, v := range tag {
			if j > 0 {
				b.WriteByte(',')
			}
			writeNIP01String(&b, v)
		}
		b.WriteByte(']')
	}
	b.WriteString("],")
	writeNIP01String(&b, e.Content)
	b.WriteByte(']')
	return b.Bytes()
}

func writeNIP01String(b *bytes.Buffer, s string) {
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\n':
			b.WriteString(`\n`)
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
}

// Signer holds a secp256k1 key and signs events with BIP-340 Schnorr.
type Signer struct {
	priv   *btcec.PrivateKey
	pubHex string
}

// NewSigner parses a 32-byte hex private key.
func NewSigner(privHex string) (*Signer, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(privHex))
	if err != nil {
		return nil, fmt.Errorf("private key must be hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(raw))
	}
	priv, pub := btcec.PrivKeyFromBytes(raw)
	return &Signer{priv: priv, pubHex: hex.EncodeToString(schnorr.SerializePubKey(pub))}, nil
}

// PublicKey is the x-only public key in hex.
func (s *Signer) PublicKey() string { return s.pubHex }

// Sign fills in PubKey, ID and Sig.
func (s *Signer) Sign(ev *Event) error {
	ev.PubKey = s.pubHex
	if ev.Tags == nil {
		ev.Tags = [][]string{}
	}
	id := sha256.Sum256(ev.Serialize())
	sig, err := schnorr.Sign(s.priv, id[:])
	if err != nil {
		return fmt.Errorf("sign event: %w", err)
	}
	ev.ID = hex.EncodeToString(id[:])
	ev.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Nostr publishes kind-1 notes to a set of relays.
type Nostr struct {
	signer  *Signer
	relays  []string
	timeout time.Duration
	http    *http.Client
	now     func() time.Time
}

func NewNostr(privHex string, relays []string, timeout time.Duration, hc *http.Client) (*Nostr, error) {
	signer, err := NewSigner(privHex)
	if err != nil {
		return nil, err
	}
	if len(relays) == 0 {
		return nil, errors.New("no relays configured")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Nostr{signer: signer, relays: relays, timeout: timeout, http: hc, now: time.Now}, nil
}

func (n *Nostr) Name() string { return "nostr" }

// Announce signs a note and sends it to every relay concurrently. It
// succeeds when at least one relay accepts the event.
func (n *Nostr) Announce(ctx context.Context, text string) (string, error) {
	ev := Event{CreatedAt: n.now().Unix(), Kind: KindTextNote, Content: text}
	if err := n.signer.Sign(&ev); err != nil {
		return "", err
	}

	errs := make([]error, len(n.relays))
	var wg sync.WaitGroup
	for i, relay := range n.relays {
		wg.Add(1)
		go func(i int, relay string) {
			defer wg.Done()
			if err := n.publish(ctx, relay, ev); err != nil {
				errs[i] = fmt.Errorf("%s: %w", relay, err)
			}
		}(i, relay)
	}
	wg.Wait()

	accepted := 0
	for _, err := range errs {
		if err == nil {
			accepted++
		}
	}
	if accepted == 0 {
		return "", errors.Join(errs...)
	}
	return fmt.Sprintf("event %s accepted by %d/%d relays", shortID(ev.ID), accepted, len(n.relays)), nil
}

// publish sends ["EVENT", ev] and waits for the matching ["OK", id, accepted, message].
func (n *Nostr) publish(ctx context.Context, relay string, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, relay, &websocket.DialOptions{HTTPClient: n.http})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := wsjson.Write(ctx, conn, []any{"EVENT", ev}); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	for {
		var msg []json.RawMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return fmt.Errorf("await OK: %w", err)
		}
		if len(msg) < 3 {
			continue
		}
		var label, id string
		if json.Unmarshal(msg[0], &label) != nil || label != "OK" {
			continue
		}
		if json.Unmarshal(msg[1], &id) != nil || id != ev.ID {
			continue
		}
		var accepted bool
		_ = json.Unmarshal(msg[2], &accepted)
		if accepted {
			return nil
		}
		var reason string
		if len(msg) > 3 {
			_ = json.Unmarshal(msg[3], &reason)
		}
		return fmt.Errorf("rejected: %s", reason)
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
