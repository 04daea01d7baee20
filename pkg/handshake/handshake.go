// Package handshake implements the KEMTLS handshake as a pure step function.
//
// A Session never touches a socket. The caller delivers whatever bytes arrived
// from the peer and extracts whatever bytes must be sent:
//
//	s, _ := handshake.NewClient(cfg)
//	_ = s.Start()
//	for {
//	    send(s.Extract())
//	    status, err := s.Deliver(receive())
//	    ...
//	}
//
// Handshake Protocol:
//
//	Client                                   Server
//	    |                                      |
//	    | -------- ClientHello --------------> |
//	    |   - version, random, cipher suites   |
//	    |   - group, key_share = pk            |
//	    |                                      |  encapsulate(pk) -> ct
//	    | <------- ServerHello --------------- |
//	    |   - version, random, cipher suite    |
//	    |   - group, key_share = ct, auth flag |
//	    |                                      |
//	    |  decapsulate(ct)                     |
//	    |   [Both derive hs traffic secrets]   |
//	    |                                      |
//	    | -------- {ClientFinished} ---------> |
//	    |                                      |  verify
//	    | <------- {CertificateVerify} ------- |  (with server identity)
//	    | <------- {ServerFinished} ---------- |
//	    |                                      |
//	    |   [Both derive ap traffic secrets]   |
//	    |    === Session Established ===       |
//
// Every message is appended to a running transcript. Finished verify data is a
// keyed sponge MAC over the transcript hash at that point; CertificateVerify signs
// a domain-separated transcript hash with the server's ML-DSA-44 identity key.
//
// Any format violation, length mismatch, signature failure or Finished failure
// moves the session to ABORTED: secrets are zeroed, an Alert is queued for the
// peer and every later Deliver is discarded.
package handshake

import (
	"io"

	"github.com/pzverkov/quantum-kemtls/internal/constants"
	qerrors "github.com/pzverkov/quantum-kemtls/internal/errors"
	"github.com/pzverkov/quantum-kemtls/pkg/crypto"
	"github.com/pzverkov/quantum-kemtls/pkg/kem"
	"github.com/pzverkov/quantum-kemtls/pkg/keyschedule"
	"github.com/pzverkov/quantum-kemtls/pkg/protocol"
)

// Session is one side of one handshake. It is not safe for concurrent use.
type Session struct {
	role  Role
	cfg   *Config
	state State
	codec *protocol.Codec

	// Negotiated parameters
	group     constants.ParameterSet
	suite     constants.CipherSuite
	sessionID []byte

	// Ephemeral key material
	keyPair  *kem.KeyPair
	schedule *keyschedule.Schedule

	// Transcript of every plaintext handshake message
	transcript *keyschedule.Transcript

	// Handshake traffic
	hsSecrets  *keyschedule.Secrets
	sendCipher *crypto.AEAD
	recvCipher *crypto.AEAD

	// Application traffic
	apSecrets *keyschedule.Secrets

	// Client only: the server announced CertificateVerify
	expectCertVerify  bool
	peerAuthenticated bool

	inbound  []byte
	outbound []byte
	err      error
	closed   bool
}

// NewClient creates a client session. Call Start to produce ClientHello.
func NewClient(cfg *Config) (*Session, error) {
	return newSession(RoleClient, cfg)
}

// NewServer creates a server session waiting for ClientHello.
func NewServer(cfg *Config) (*Session, error) {
	return newSession(RoleServer, cfg)
}

func newSession(role Role, cfg *Config) (*Session, error) {
	normalized, err := cfg.normalize()
	if err != nil {
		return nil, qerrors.NewProtocolError("config", err)
	}
	return &Session{
		role:       role,
		cfg:        normalized,
		state:      StateStart,
		codec:      protocol.NewCodec(),
		transcript: keyschedule.NewTranscript(),
	}, nil
}

// Start begins the handshake. A client generates its ephemeral key pair and
// queues ClientHello; a server has nothing to send and returns nil.
func (s *Session) Start() error {
	if s.state != StateStart {
		return qerrors.NewProtocolError(s.state.String(), qerrors.ErrInvalidState)
	}
	if s.role == RoleServer {
		return nil
	}
	if err := s.createClientHello(); err != nil {
		return s.abort(err, true)
	}
	return nil
}

// Deliver feeds bytes received from the peer. Partial messages are buffered
// until complete. Bytes arriving after the handshake completes are kept for
// the record layer and returned by Buffered.
func (s *Session) Deliver(p []byte) (Status, error) {
	switch {
	case s.state == StateAborted:
		return StatusNeedMore, s.err
	case s.closed:
		return StatusNeedMore, qerrors.NewProtocolError(s.state.String(), qerrors.ErrInvalidState)
	case s.state == StateEstablished:
		s.inbound = append(s.inbound, p...)
		return StatusEstablished, nil
	case s.role == RoleClient && s.state == StateStart:
		return StatusNeedMore, s.abort(qerrors.ErrUnexpectedMessage, true)
	}

	s.inbound = append(s.inbound, p...)
	for s.state != StateEstablished {
		msg, rest, ok, err := s.codec.SplitMessage(s.inbound)
		if err != nil {
			return StatusNeedMore, s.abort(err, true)
		}
		if !ok {
			break
		}
		s.inbound = rest
		if err := s.handle(msg); err != nil {
			if s.state == StateAborted {
				return StatusNeedMore, s.err
			}
			return StatusNeedMore, s.abort(err, true)
		}
	}

	if s.state == StateEstablished {
		return StatusEstablished, nil
	}
	return StatusNeedMore, nil
}

// Extract returns and clears the bytes queued for the peer.
func (s *Session) Extract() []byte {
	out := s.outbound
	s.outbound = nil
	return out
}

// Pending reports whether bytes are queued for the peer.
func (s *Session) Pending() bool {
	return len(s.outbound) > 0
}

// Buffered returns and clears bytes received after the final handshake message.
func (s *Session) Buffered() []byte {
	if s.state != StateEstablished {
		return nil
	}
	out := s.inbound
	s.inbound = nil
	return out
}

// State returns the current handshake state.
func (s *Session) State() State {
	return s.state
}

// Role returns the side this session plays.
func (s *Session) Role() Role {
	return s.role
}

// Err returns the error that aborted the session, if any.
func (s *Session) Err() error {
	return s.err
}

// CipherSuite returns the negotiated cipher suite, or 0 before ServerHello.
func (s *Session) CipherSuite() constants.CipherSuite {
	return s.suite
}

// ParameterSet returns the negotiated ML-KEM group, or 0 before it is known.
func (s *Session) ParameterSet() constants.ParameterSet {
	return s.group
}

// SessionID returns the identifier chosen in ServerHello.
func (s *Session) SessionID() []byte {
	return s.sessionID
}

// PeerAuthenticated reports whether the client verified the server identity.
func (s *Session) PeerAuthenticated() bool {
	return s.peerAuthenticated
}

// TrafficSecrets returns a copy of the application traffic secrets.
// It fails unless the session is established and not closed.
func (s *Session) TrafficSecrets() (*keyschedule.Secrets, error) {
	if s.state != StateEstablished || s.closed || s.apSecrets == nil {
		return nil, qerrors.NewProtocolError(s.state.String(), qerrors.ErrInvalidState)
	}
	return s.apSecrets.Clone(), nil
}

// UpdateTrafficKey ratchets a traffic key through the session key schedule.
func (s *Session) UpdateTrafficKey(currentKey []byte) (key, iv []byte, err error) {
	if s.state != StateEstablished || s.closed || s.schedule == nil {
		return nil, nil, qerrors.NewProtocolError(s.state.String(), qerrors.ErrInvalidState)
	}
	return s.schedule.UpdateTrafficKey(currentKey)
}

// Abort terminates the session with err, zeroes every secret and queues a
// fatal Alert. Aborting a terminal session returns its existing error.
func (s *Session) Abort(err error) error {
	if s.state == StateAborted {
		return s.err
	}
	if err == nil {
		err = qerrors.ErrAborted
	}
	return s.abort(err, true)
}

// Close zeroes every secret. It is idempotent.
func (s *Session) Close() {
	s.zeroize()
	s.closed = true
}

// abort records err, wipes secrets and optionally queues an alert.
func (s *Session) abort(err error, sendAlert bool) error {
	phase := s.state.String()
	s.zeroize()

	crypto.Zeroize(s.outbound)
	s.outbound = nil
	s.inbound = nil
	if sendAlert {
		s.outbound = s.codec.EncodeAlert(protocol.AlertLevelFatal, protocol.AlertCodeFor(err), "")
	}

	s.err = qerrors.NewProtocolError(phase, err)
	s.state = StateAborted
	return s.err
}

func (s *Session) zeroize() {
	if s.keyPair != nil {
		s.keyPair.Zeroize()
		s.keyPair = nil
	}
	if s.schedule != nil {
		s.schedule.Zeroize()
		s.schedule = nil
	}
	s.hsSecrets.Zeroize()
	s.hsSecrets = nil
	s.apSecrets.Zeroize()
	s.apSecrets = nil
	s.sendCipher = nil
	s.recvCipher = nil
	s.transcript.Clear()
}

// handle dispatches one complete message.
func (s *Session) handle(msg []byte) error {
	mt, err := s.codec.GetMessageType(msg)
	if err != nil {
		return err
	}
	if mt == protocol.MessageTypeAlert {
		return s.processAlert(msg)
	}

	switch {
	case s.role == RoleServer && s.state == StateStart:
		return s.processClientHello(msg)
	case s.role == RoleServer && s.state == StateSecretsDerived:
		return s.processClientFinished(msg)
	case s.role == RoleClient && s.state == StateKeyShareSent:
		return s.processServerHello(msg)
	case s.role == RoleClient && s.state == StateSecretsDerived:
		return s.processServerFlight(msg)
	default:
		return qerrors.ErrUnexpectedMessage
	}
}

// processAlert aborts on a peer alert without answering it.
func (s *Session) processAlert(msg []byte) error {
	alert, err := s.codec.DecodeAlert(msg)
	if err != nil {
		return err
	}
	return s.abort(protocol.PeerAlert(alert.Code), false)
}

// --- Client Functions ---

// createClientHello generates the ephemeral key pair and queues ClientHello.
func (s *Session) createClientHello() error {
	s.group = s.cfg.ParameterSets[0]

	if err := crypto.CheckRNG(s.cfg.Rand); err != nil {
		return err
	}
	kp, err := kem.GenerateKeyPair(s.group, s.cfg.Rand)
	if err != nil {
		return err
	}
	if err := crypto.CheckKEMKeyPair(kp); err != nil {
		return err
	}
	s.keyPair = kp

	random, err := readRandom(s.cfg.Rand)
	if err != nil {
		return err
	}

	data, err := s.codec.EncodeClientHello(&protocol.ClientHello{
		Version:      protocol.Current,
		Random:       random,
		CipherSuites: s.cfg.CipherSuites,
		Group:        s.group,
		KeyShare:     kp.PublicKeyBytes(),
	})
	if err != nil {
		return err
	}

	// The XOF is unknown until ServerHello; the transcript buffers.
	_, _ = s.transcript.Write(data)
	s.outbound = append(s.outbound, data...)
	s.state = StateKeyShareSent
	return nil
}

// processServerHello decapsulates the server's ciphertext, derives handshake
// secrets and queues ClientFinished.
func (s *Session) processServerHello(data []byte) error {
	msg, err := s.codec.DecodeServerHello(data)
	if err != nil {
		return err
	}
	if msg.Group != s.group {
		return qerrors.ErrUnsupportedGroup
	}
	if !s.cfg.acceptsSuite(msg.CipherSuite) {
		return qerrors.ErrUnsupportedCipherSuite
	}
	if s.cfg.ServerPublicKey != nil && !msg.Authenticated {
		return qerrors.ErrSignatureInvalid
	}

	s.suite = msg.CipherSuite
	s.sessionID = msg.SessionID
	s.expectCertVerify = msg.Authenticated

	if err := s.transcript.SetAlgorithm(s.suite.XOF()); err != nil {
		return err
	}
	if _, err := s.transcript.Write(data); err != nil {
		return err
	}

	// Implicit rejection: a tampered ciphertext still yields a secret here and
	// surfaces as an authentication failure at Finished.
	sharedSecret, err := kem.Decapsulate(s.keyPair.DecapsulationKey, msg.KeyShare)
	if err != nil {
		return err
	}
	s.keyPair.Zeroize()
	s.keyPair = nil
	s.state = StateKeyShareReceived

	if err := s.deriveHandshakeKeys(sharedSecret); err != nil {
		return err
	}

	verifyData, err := s.finishedMAC(s.hsSecrets.ClientFinishedKey)
	if err != nil {
		return err
	}
	finished, err := s.codec.EncodeFinished(protocol.MessageTypeClientFinished, verifyData)
	if err != nil {
		return err
	}
	if _, err := s.transcript.Write(finished); err != nil {
		return err
	}
	return s.sendEncrypted(finished)
}

// processServerFlight handles CertificateVerify and ServerFinished.
func (s *Session) processServerFlight(data []byte) error {
	plaintext, err := s.openEncrypted(data)
	if err != nil {
		return err
	}
	mt, err := s.codec.GetMessageType(plaintext)
	if err != nil {
		return err
	}

	if s.expectCertVerify {
		if mt != protocol.MessageTypeCertificateVerify {
			return qerrors.ErrUnexpectedMessage
		}
		return s.processCertificateVerify(plaintext)
	}

	verifyData, err := s.codec.DecodeFinished(plaintext, protocol.MessageTypeServerFinished)
	if err != nil {
		return err
	}
	if err := s.verifyFinished(s.hsSecrets.ServerFinishedKey, verifyData); err != nil {
		return err
	}
	if _, err := s.transcript.Write(plaintext); err != nil {
		return err
	}
	s.state = StateFinishedVerified

	return s.deriveApplicationKeys()
}

// processCertificateVerify checks the server signature over the transcript.
// Without a pinned key the message is bound into the transcript but the
// session does not count as authenticated.
func (s *Session) processCertificateVerify(plaintext []byte) error {
	msg, err := s.codec.DecodeCertificateVerify(plaintext)
	if err != nil {
		return err
	}
	th, err := s.transcript.Sum()
	if err != nil {
		return err
	}

	if s.cfg.ServerPublicKey != nil {
		if !s.cfg.Verifier.Verify(msg.Signature, certificateVerifyContent(th), s.cfg.ServerPublicKey) {
			return qerrors.ErrSignatureInvalid
		}
		s.peerAuthenticated = true
	}
	s.expectCertVerify = false

	_, err = s.transcript.Write(plaintext)
	return err
}

// --- Server Functions ---

// processClientHello negotiates, encapsulates to the client's key share and
// queues ServerHello.
func (s *Session) processClientHello(data []byte) error {
	msg, err := s.codec.DecodeClientHello(data)
	if err != nil {
		return err
	}
	if !s.cfg.acceptsGroup(msg.Group) {
		return qerrors.ErrUnsupportedGroup
	}
	suite, ok := s.cfg.negotiateSuite(msg.CipherSuites)
	if !ok {
		return qerrors.ErrUnsupportedCipherSuite
	}

	clientKey, err := kem.ParsePublicKey(msg.Group, msg.KeyShare)
	if err != nil {
		return err
	}
	s.group = msg.Group
	s.suite = suite
	s.state = StateKeyShareReceived

	if err := s.transcript.SetAlgorithm(suite.XOF()); err != nil {
		return err
	}
	if _, err := s.transcript.Write(data); err != nil {
		return err
	}

	if err := crypto.CheckRNG(s.cfg.Rand); err != nil {
		return err
	}
	ciphertext, sharedSecret, err := kem.Encapsulate(clientKey, s.cfg.Rand)
	if err != nil {
		return err
	}

	random, err := readRandom(s.cfg.Rand)
	if err != nil {
		return err
	}
	s.sessionID = msg.SessionID
	if len(s.sessionID) == 0 {
		if s.sessionID, err = readBytes(s.cfg.Rand, constants.SessionIDSize); err != nil {
			return err
		}
	}

	reply, err := s.codec.EncodeServerHello(&protocol.ServerHello{
		Version:       protocol.Current,
		Random:        random,
		SessionID:     s.sessionID,
		CipherSuite:   suite,
		Group:         s.group,
		KeyShare:      ciphertext,
		Authenticated: s.cfg.Identity != nil,
	})
	if err != nil {
		return err
	}
	if _, err := s.transcript.Write(reply); err != nil {
		return err
	}
	s.outbound = append(s.outbound, reply...)

	return s.deriveHandshakeKeys(sharedSecret)
}

// processClientFinished verifies the client, then queues CertificateVerify and
// ServerFinished and derives the application secrets.
func (s *Session) processClientFinished(data []byte) error {
	plaintext, err := s.openEncrypted(data)
	if err != nil {
		return err
	}
	verifyData, err := s.codec.DecodeFinished(plaintext, protocol.MessageTypeClientFinished)
	if err != nil {
		return err
	}
	if err := s.verifyFinished(s.hsSecrets.ClientFinishedKey, verifyData); err != nil {
		return err
	}
	if _, err := s.transcript.Write(plaintext); err != nil {
		return err
	}
	s.state = StateFinishedVerified

	if s.cfg.Identity != nil {
		th, err := s.transcript.Sum()
		if err != nil {
			return err
		}
		sig, err := s.cfg.Identity.Sign(certificateVerifyContent(th))
		if err != nil {
			return err
		}
		cv, err := s.codec.EncodeCertificateVerify(&protocol.CertificateVerify{Signature: sig})
		if err != nil {
			return err
		}
		if _, err := s.transcript.Write(cv); err != nil {
			return err
		}
		if err := s.sendEncrypted(cv); err != nil {
			return err
		}
	}

	serverVerify, err := s.finishedMAC(s.hsSecrets.ServerFinishedKey)
	if err != nil {
		return err
	}
	finished, err := s.codec.EncodeFinished(protocol.MessageTypeServerFinished, serverVerify)
	if err != nil {
		return err
	}
	if _, err := s.transcript.Write(finished); err != nil {
		return err
	}
	if err := s.sendEncrypted(finished); err != nil {
		return err
	}

	return s.deriveApplicationKeys()
}

// --- Helper Functions ---

// deriveHandshakeKeys creates the key schedule from the shared secret and the
// transcript through ServerHello, then sets up the handshake ciphers.
func (s *Session) deriveHandshakeKeys(sharedSecret []byte) error {
	defer crypto.Zeroize(sharedSecret)

	schedule, err := keyschedule.New(s.suite.XOF(), sharedSecret)
	if err != nil {
		return err
	}
	s.schedule = schedule

	th, err := s.transcript.Sum()
	if err != nil {
		return err
	}
	s.hsSecrets, err = schedule.DeriveSecrets(th, constants.LabelHandshakeTraffic)
	if err != nil {
		return err
	}

	clientCipher, err := crypto.NewAEAD(s.suite.AEAD(), s.hsSecrets.ClientKey)
	if err != nil {
		return err
	}
	serverCipher, err := crypto.NewAEAD(s.suite.AEAD(), s.hsSecrets.ServerKey)
	if err != nil {
		return err
	}
	if s.role == RoleClient {
		s.sendCipher, s.recvCipher = clientCipher, serverCipher
	} else {
		s.sendCipher, s.recvCipher = serverCipher, clientCipher
	}

	s.state = StateSecretsDerived
	return nil
}

// deriveApplicationKeys derives the application secrets over the full
// transcript and drops the handshake secrets.
func (s *Session) deriveApplicationKeys() error {
	th, err := s.transcript.Sum()
	if err != nil {
		return err
	}
	s.apSecrets, err = s.schedule.DeriveSecrets(th, constants.LabelApplicationTraffic)
	if err != nil {
		return err
	}

	s.hsSecrets.Zeroize()
	s.hsSecrets = nil
	s.sendCipher = nil
	s.recvCipher = nil
	s.transcript.Clear()
	s.state = StateEstablished
	return nil
}

func (s *Session) finishedMAC(key []byte) ([]byte, error) {
	th, err := s.transcript.Sum()
	if err != nil {
		return nil, err
	}
	return keyschedule.FinishedMAC(s.suite.XOF(), key, th)
}

func (s *Session) verifyFinished(key, verifyData []byte) error {
	th, err := s.transcript.Sum()
	if err != nil {
		return err
	}
	if !keyschedule.VerifyFinished(s.suite.XOF(), key, th, verifyData) {
		return qerrors.ErrFinishedMismatch
	}
	return nil
}

// sendEncrypted seals a handshake message with the handshake send key.
func (s *Session) sendEncrypted(plaintext []byte) error {
	sealed, err := s.sendCipher.Seal(plaintext, nil)
	if err != nil {
		return err
	}
	envelope, err := s.codec.EncodeEncryptedHandshake(sealed)
	if err != nil {
		return err
	}
	s.outbound = append(s.outbound, envelope...)
	return nil
}

// openEncrypted unwraps a handshake message sealed with the peer's key.
func (s *Session) openEncrypted(data []byte) ([]byte, error) {
	sealed, err := s.codec.DecodeEncryptedHandshake(data)
	if err != nil {
		return nil, err
	}
	return s.recvCipher.Open(sealed, nil)
}

// certificateVerifyContent is the message signed in CertificateVerify.
func certificateVerifyContent(transcriptHash []byte) []byte {
	out := make([]byte, 0, len(constants.DomainSeparatorCertificateVerify)+1+len(transcriptHash))
	out = append(out, constants.DomainSeparatorCertificateVerify...)
	out = append(out, 0)
	return append(out, transcriptHash...)
}

func readRandom(r io.Reader) ([]byte, error) {
	return readBytes(r, constants.RandomSize)
}

func readBytes(r io.Reader, n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, qerrors.NewCryptoError("handshake.random", qerrors.ErrInsufficientRandomness)
	}
	return b, nil
}
