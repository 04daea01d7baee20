package handshake_test

import (
	"testing"

	"github.com/pzverkov/quantum-kemtls/internal/constants"
	"github.com/pzverkov/quantum-kemtls/pkg/handshake"
)

func FuzzServerDeliver(f *testing.F) {
	client, err := handshake.NewClient(groupConfig(constants.MLKEM512))
	if err != nil {
		f.Fatal(err)
	}
	if err := client.Start(); err != nil {
		f.Fatal(err)
	}
	f.Add(client.Extract())
	f.Add([]byte{0x01, 0, 0, 0, 1, 0})

	f.Fuzz(func(t *testing.T, data []byte) {
		server, err := handshake.NewServer(groupConfig(constants.MLKEM512))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := server.Deliver(data); err != nil {
			if server.State() != handshake.StateAborted {
				t.Fatalf("error %v left state %v", err, server.State())
			}
			if _, err := server.TrafficSecrets(); err == nil {
				t.Fatal("aborted session exposed traffic secrets")
			}
		}
	})
}
