// Package quantumkemtls provides a post-quantum, TLS 1.3 style handshake engine.
//
// Key exchange runs over ML-KEM (NIST FIPS 203) at the 512, 768 or 1024 parameter
// set. A sponge-based extendable-output function (Ascon-XOF128 or SHAKE256) hashes
// the transcript and drives key derivation. Both peers authenticate the transcript
// with Finished MACs, and application data is protected by an AEAD record layer.
//
// # Quick Start
//
// For an encrypted connection over TCP:
//
//	import "github.com/pzverkov/quantum-kemtls/pkg/tunnel"
//
//	// Server
//	srv := tunnel.NewServer(tunnel.DefaultConfig(), handler)
//	go srv.ListenAndServe(ctx, "tcp", ":12345")
//
//	// Client
//	conn, _ := tunnel.Dial(ctx, "tcp", "localhost:12345", tunnel.DefaultConfig())
//	conn.Send([]byte("Hello!"))
//
// For the transport-free step function:
//
//	import "github.com/pzverkov/quantum-kemtls/pkg/handshake"
//
//	client, _ := handshake.NewClient(handshake.DefaultConfig())
//	server, _ := handshake.NewServer(handshake.DefaultConfig())
//	_ = client.Start()
//	status, err := server.Deliver(client.Extract())
//
// # Package Structure
//
//   - pkg/sponge: Ascon-XOF128 and SHAKE sponge state machine
//   - pkg/kem: ML-KEM key generation, encapsulation, decapsulation
//   - pkg/keyschedule: transcript hashing and XOF key derivation
//   - pkg/handshake: client and server handshake state machines
//   - pkg/record: sequence-numbered AEAD records with replay window and key update
//   - pkg/crypto: randomness, AEAD, ML-DSA identity keys, self tests
//   - pkg/protocol: wire message definitions and encoding
//   - pkg/tunnel: socket driver, listener and rate limiting
//   - pkg/metrics: logging, Prometheus metrics, tracing, health checks
//   - pkg/version: release and protocol versions
//   - cmd/kemtls: echo server, client, key generation, benchmarks and self test
//   - internal/config: YAML configuration
//   - internal/constants: security parameters and protocol constants
//   - internal/errors: error taxonomy (format, crypto, authentication, resource exhaustion)
//
// # Security Properties
//
//   - Post-quantum key exchange: ML-KEM with implicit rejection
//   - Forward secrecy: ephemeral KEM keys for each session
//   - Transcript binding: Finished MACs over the running XOF transcript hash
//   - Optional server authentication: ML-DSA-44 CertificateVerify
//   - Authenticated encryption: AES-256-GCM or ChaCha20-Poly1305
//   - Replay protection: sliding window with sequence numbers
//
// # Testing
//
//	go test ./...                                        # All tests
//	go test -short ./...                                 # Skip timing tests
//	go test -fuzz=FuzzDecodeClientHello ./pkg/protocol  # Fuzz tests
//	go test -bench=. ./pkg/handshake                     # Benchmarks
//
// # References
//
//   - NIST FIPS 203: Module-Lattice-Based Key-Encapsulation Mechanism Standard
//   - NIST FIPS 204: Module-Lattice-Based Digital Signature Standard
//   - NIST FIPS 202: SHA-3 Standard (SHAKE)
//   - NIST SP 800-232: Ascon-Based Lightweight Cryptography Standards
package quantumkemtls
