package record_test

import (
	"bytes"
	"sync"
	"testing"

	"github.com/pzverkov/quantum-kemtls/internal/constants"
	qerrors "github.com/pzverkov/quantum-kemtls/internal/errors"
	"github.com/pzverkov/quantum-kemtls/pkg/handshake"
	"github.com/pzverkov/quantum-kemtls/pkg/protocol"
	"github.com/pzverkov/quantum-kemtls/pkg/record"
)

func establish(t testing.TB, suite constants.CipherSuite) (*handshake.Session, *handshake.Session) {
	t.Helper()
	cfg := &handshake.Config{
		ParameterSets: []constants.ParameterSet{constants.MLKEM512},
		CipherSuites:  []constants.CipherSuite{suite},
	}
	client, err := handshake.NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	server, err := handshake.NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	if err := client.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	for i := 0; i < 4; i++ {
		if out := client.Extract(); len(out) > 0 {
			if _, err := server.Deliver(out); err != nil {
				t.Fatalf("server Deliver failed: %v", err)
			}
		}
		if out := server.Extract(); len(out) > 0 {
			if _, err := client.Deliver(out); err != nil {
				t.Fatalf("client Deliver failed: %v", err)
			}
		}
	}
	if client.State() != handshake.StateEstablished || server.State() != handshake.StateEstablished {
		t.Fatalf("handshake did not complete: client %v, server %v", client.State(), server.State())
	}
	return client, server
}

func newLayers(t testing.TB, suite constants.CipherSuite, opts ...record.Option) (*record.Layer, *record.Layer) {
	t.Helper()
	client, server := establish(t, suite)

	cs, err := client.TrafficSecrets()
	if err != nil {
		t.Fatalf("client TrafficSecrets failed: %v", err)
	}
	ss, err := server.TrafficSecrets()
	if err != nil {
		t.Fatalf("server TrafficSecrets failed: %v", err)
	}

	cl, err := record.New(handshake.RoleClient, suite, cs, client, opts...)
	if err != nil {
		t.Fatalf("record.New(client) failed: %v", err)
	}
	sl, err := record.New(handshake.RoleServer, suite, ss, server, opts...)
	if err != nil {
		t.Fatalf("record.New(server) failed: %v", err)
	}
	return cl, sl
}

// openAll opens every record in buf and returns the data payloads.
func openAll(t *testing.T, l *record.Layer, buf []byte) [][]byte {
	t.Helper()
	codec := protocol.NewCodec()
	var out [][]byte
	for len(buf) > 0 {
		msg, rest, ok, err := codec.SplitMessage(buf)
		if err != nil || !ok {
			t.Fatalf("SplitMessage failed: ok=%v err=%v", ok, err)
		}
		buf = rest
		content, err := l.Open(msg)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		if content.Type == protocol.MessageTypeData {
			out = append(out, content.Payload)
		}
	}
	return out
}

func TestLayerRoundTrip(t *testing.T) {
	for _, suite := range []constants.CipherSuite{
		constants.CipherSuiteAsconAES256GCM,
		constants.CipherSuiteAsconChaCha20Poly1305,
		constants.CipherSuiteShake256AES256GCM,
		constants.CipherSuiteShake256ChaCha20Poly1305,
	} {
		t.Run(suite.String(), func(t *testing.T) {
			cl, sl := newLayers(t, suite)

			for _, msg := range [][]byte{[]byte("hello"), {}, bytes.Repeat([]byte{0xAB}, constants.MaxPayloadSize)} {
				rec, err := cl.Seal(msg)
				if err != nil {
					t.Fatalf("Seal failed: %v", err)
				}
				got := openAll(t, sl, rec)
				if len(got) != 1 || !bytes.Equal(got[0], msg) {
					t.Fatalf("round trip mismatch for %d bytes", len(msg))
				}

				rec, err = sl.Seal(msg)
				if err != nil {
					t.Fatalf("server Seal failed: %v", err)
				}
				if got := openAll(t, cl, rec); len(got) != 1 || !bytes.Equal(got[0], msg) {
					t.Fatalf("reverse round trip mismatch for %d bytes", len(msg))
				}
			}
		})
	}
}

func TestLayerRejectsOversizedPayload(t *testing.T) {
	cl, _ := newLayers(t, constants.CipherSuiteAsconAES256GCM)
	if _, err := cl.Seal(make([]byte, constants.MaxPayloadSize+1)); !qerrors.Is(err, qerrors.ErrMessageTooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestLayerDirectionsDiffer(t *testing.T) {
	cl, _ := newLayers(t, constants.CipherSuiteAsconAES256GCM)

	rec, err := cl.Seal([]byte("loop"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	// A client record must not open under the client's own receive key.
	if _, err := cl.Open(rec); !qerrors.Is(err, qerrors.ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestLayerTamper(t *testing.T) {
	cl, sl := newLayers(t, constants.CipherSuiteShake256AES256GCM)

	rec, err := cl.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	tampered := append([]byte(nil), rec...)
	tampered[len(tampered)-1] ^= 0x01
	if _, err := sl.Open(tampered); !qerrors.Is(err, qerrors.ErrAuthentication) {
		t.Fatalf("expected authentication failure, got %v", err)
	}

	// Rewriting the sequence number changes the nonce and the AAD.
	reseq := append([]byte(nil), rec...)
	reseq[protocol.HeaderSize+7] ^= 0x01
	if _, err := sl.Open(reseq); !qerrors.Is(err, qerrors.ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed for rewritten sequence, got %v", err)
	}

	// A failed record does not consume its sequence number.
	if got := openAll(t, sl, rec); len(got) != 1 || string(got[0]) != "payload" {
		t.Fatal("original record rejected after tampered copies")
	}
}

func TestLayerReplay(t *testing.T) {
	cl, sl := newLayers(t, constants.CipherSuiteAsconAES256GCM)

	rec, err := cl.Seal([]byte("once"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if _, err := sl.Open(rec); err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	_, err = sl.Open(rec)
	if !qerrors.Is(err, qerrors.ErrReplayDetected) {
		t.Fatalf("expected ErrReplayDetected, got %v", err)
	}
	if qerrors.KindOf(err) != qerrors.KindAuthentication {
		t.Fatalf("replay kind = %v, want Authentication", qerrors.KindOf(err))
	}
	if sl.Stats().ReplaysRejected != 1 {
		t.Fatalf("ReplaysRejected = %d, want 1", sl.Stats().ReplaysRejected)
	}
}

func TestLayerOutOfOrder(t *testing.T) {
	cl, sl := newLayers(t, constants.CipherSuiteAsconAES256GCM)

	var recs [][]byte
	for i := 0; i < 5; i++ {
		rec, err := cl.Seal([]byte{byte(i)})
		if err != nil {
			t.Fatalf("Seal failed: %v", err)
		}
		recs = append(recs, rec)
	}
	for _, i := range []int{4, 0, 2, 1, 3} {
		content, err := sl.Open(recs[i])
		if err != nil {
			t.Fatalf("Open(%d) failed: %v", i, err)
		}
		if content.Payload[0] != byte(i) {
			t.Fatalf("record %d payload = %d", i, content.Payload[0])
		}
	}
}

func TestLayerAutomaticKeyUpdate(t *testing.T) {
	const threshold = 3
	cl, sl := newLayers(t, constants.CipherSuiteAsconChaCha20Poly1305, record.WithKeyUpdateThreshold(threshold))

	for i := 0; i < 10; i++ {
		msg := []byte{byte(i)}
		rec, err := cl.Seal(msg)
		if err != nil {
			t.Fatalf("Seal %d failed: %v", i, err)
		}
		if got := openAll(t, sl, rec); len(got) != 1 || !bytes.Equal(got[0], msg) {
			t.Fatalf("record %d mismatch after key update", i)
		}
	}

	// Updates happen before records 3, 6 and 9 of the data stream.
	if got := cl.Stats().KeyUpdates; got != 3 {
		t.Fatalf("client KeyUpdates = %d, want 3", got)
	}
	if got := sl.Stats().RecordsOpened; got != 13 {
		t.Fatalf("server RecordsOpened = %d, want 13", got)
	}
}

func TestLayerRequestedKeyUpdate(t *testing.T) {
	cl, sl := newLayers(t, constants.CipherSuiteShake256ChaCha20Poly1305)

	update, err := cl.UpdateKeys(true)
	if err != nil {
		t.Fatalf("UpdateKeys failed: %v", err)
	}
	content, err := sl.Open(update)
	if err != nil {
		t.Fatalf("Open(KeyUpdate) failed: %v", err)
	}
	if content.Type != protocol.MessageTypeKeyUpdate || !content.UpdateRequested {
		t.Fatalf("unexpected content %+v", content)
	}

	// The server owes a KeyUpdate before its next record.
	resp, err := sl.Flush()
	if err != nil || len(resp) == 0 {
		t.Fatalf("Flush failed: %v (len %d)", err, len(resp))
	}
	if again, _ := sl.Flush(); again != nil {
		t.Fatal("second Flush should be empty")
	}
	if got := openAll(t, cl, resp); len(got) != 0 {
		t.Fatal("KeyUpdate should carry no data")
	}

	for _, pair := range [][2]*record.Layer{{cl, sl}, {sl, cl}} {
		rec, err := pair[0].Seal([]byte("after update"))
		if err != nil {
			t.Fatalf("Seal failed: %v", err)
		}
		if got := openAll(t, pair[1], rec); len(got) != 1 || string(got[0]) != "after update" {
			t.Fatal("traffic failed after requested key update")
		}
	}
}

func TestLayerConcurrentKeyUpdates(t *testing.T) {
	const updates = 200
	cl, sl := newLayers(t, constants.CipherSuiteAsconChaCha20Poly1305)

	peerUpdates := make([][]byte, updates)
	for i := range peerUpdates {
		rec, err := sl.UpdateKeys(false)
		if err != nil {
			t.Fatalf("server UpdateKeys %d failed: %v", i, err)
		}
		peerUpdates[i] = rec
	}

	// The client ratchets its sending key while it opens the server's
	// KeyUpdates. Both directions derive through one key schedule.
	own := make([][]byte, updates)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := range own {
			rec, err := cl.UpdateKeys(false)
			if err != nil {
				t.Errorf("client UpdateKeys %d failed: %v", i, err)
				return
			}
			own[i] = rec
		}
	}()
	go func() {
		defer wg.Done()
		for i, rec := range peerUpdates {
			if _, err := cl.Open(rec); err != nil {
				t.Errorf("client Open(KeyUpdate) %d failed: %v", i, err)
				return
			}
		}
	}()
	wg.Wait()
	if t.Failed() {
		t.FailNow()
	}

	for _, rec := range own {
		openAll(t, sl, rec)
	}
	for _, pair := range [][2]*record.Layer{{cl, sl}, {sl, cl}} {
		rec, err := pair[0].Seal([]byte("after ratchets"))
		if err != nil {
			t.Fatalf("Seal failed: %v", err)
		}
		if got := openAll(t, pair[1], rec); len(got) != 1 || string(got[0]) != "after ratchets" {
			t.Fatal("traffic failed after concurrent key updates")
		}
	}
	if got := cl.Stats().KeyUpdates; got != updates {
		t.Errorf("client KeyUpdates = %d, want %d", got, updates)
	}
}

func TestLayerAlert(t *testing.T) {
	cl, sl := newLayers(t, constants.CipherSuiteAsconAES256GCM)

	rec, err := cl.SealAlert(protocol.AlertLevelWarning, protocol.AlertCodeCloseNotify)
	if err != nil {
		t.Fatalf("SealAlert failed: %v", err)
	}
	content, err := sl.Open(rec)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if content.Type != protocol.MessageTypeAlert || content.Alert.Code != protocol.AlertCodeCloseNotify {
		t.Fatalf("unexpected content %+v", content)
	}
}

func TestLayerClose(t *testing.T) {
	cl, sl := newLayers(t, constants.CipherSuiteAsconAES256GCM)
	rec, err := cl.Seal([]byte("late"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	cl.Close()
	sl.Close()
	if _, err := cl.Seal([]byte("x")); !qerrors.Is(err, qerrors.ErrTunnelClosed) {
		t.Fatalf("Seal after Close: expected ErrTunnelClosed, got %v", err)
	}
	if _, err := sl.Open(rec); !qerrors.Is(err, qerrors.ErrTunnelClosed) {
		t.Fatalf("Open after Close: expected ErrTunnelClosed, got %v", err)
	}
}

func TestNewInvalid(t *testing.T) {
	client, _ := establish(t, constants.CipherSuiteAsconAES256GCM)
	secrets, err := client.TrafficSecrets()
	if err != nil {
		t.Fatalf("TrafficSecrets failed: %v", err)
	}

	if _, err := record.New(handshake.RoleClient, constants.CipherSuiteAsconAES256GCM, nil, client); err == nil {
		t.Error("expected error for nil secrets")
	}
	if _, err := record.New(handshake.RoleClient, constants.CipherSuiteAsconAES256GCM, secrets, nil); err == nil {
		t.Error("expected error for nil updater")
	}
	if _, err := record.New(handshake.RoleClient, 0x9999, secrets, client); !qerrors.Is(err, qerrors.ErrUnsupportedCipherSuite) {
		t.Errorf("expected ErrUnsupportedCipherSuite, got %v", err)
	}
	secrets.ClientKey = secrets.ClientKey[:16]
	if _, err := record.New(handshake.RoleClient, constants.CipherSuiteAsconAES256GCM, secrets, client); !qerrors.Is(err, qerrors.ErrInvalidKeySize) {
		t.Errorf("expected ErrInvalidKeySize, got %v", err)
	}
}

func BenchmarkLayerSeal(b *testing.B) {
	cl, _ := newLayers(b, constants.CipherSuiteAsconAES256GCM)
	payload := make([]byte, 1400)
	b.SetBytes(int64(len(payload)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := cl.Seal(payload); err != nil {
			b.Fatal(err)
		}
	}
}
