package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/pzverkov/quantum-kemtls/pkg/crypto"
)

func selftestCommand() *cli.Command {
	return &cli.Command{
		Name:   "selftest",
		Usage:  "Run the cryptographic power-on self tests",
		Action: runSelftest,
	}
}

func runSelftest(c *cli.Context) error {
	w := c.App.Writer
	result := crypto.RunPOST()

	checks := []struct {
		name   string
		passed bool
	}{
		{"SHAKE", result.ShakePassed},
		{"Ascon-XOF128", result.AsconPassed},
		{"AEAD", result.AEADPassed},
		{"ML-KEM", result.KEMPassed},
		{"ML-DSA-44", result.MLDSAPassed},
	}
	for _, check := range checks {
		status := "PASS"
		if !check.passed {
			status = "FAIL"
		}
		fmt.Fprintf(w, "  %-14s %s\n", check.name, status)
	}
	for _, msg := range result.Errors {
		fmt.Fprintf(w, "  error: %s\n", msg)
	}

	if !result.Passed {
		return cli.Exit("self test failed", 1)
	}
	fmt.Fprintln(w, "All self tests passed")
	return nil
}
