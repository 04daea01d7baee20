package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/pzverkov/quantum-kemtls/pkg/crypto"
)

func keygenCommand() *cli.Command {
	return &cli.Command{
		Name:  "keygen",
		Usage: "Generate an ML-DSA-44 server identity key pair",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "out",
				Aliases: []string{"o"},
				Value:   "server",
				Usage:   "output prefix; writes <out>.key and <out>.pub",
			},
			&cli.BoolFlag{
				Name:  "force",
				Usage: "overwrite existing files",
			},
		},
		Action: runKeygen,
	}
}

func runKeygen(c *cli.Context) error {
	prefix := c.String("out")
	keyFile, pubFile := prefix+".key", prefix+".pub"

	key, err := crypto.GenerateIdentityKey(nil)
	if err != nil {
		return errors.Wrap(err, "generate identity key")
	}
	privPEM, pubPEM, err := key.MarshalPEM()
	if err != nil {
		return errors.Wrap(err, "encode identity key")
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if c.Bool("force") {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	if err := writeFile(keyFile, privPEM, flags, 0o600); err != nil {
		return err
	}
	if err := writeFile(pubFile, pubPEM, flags, 0o644); err != nil {
		return err
	}

	fmt.Fprintf(c.App.Writer, "Wrote private key to %s\n", keyFile)
	fmt.Fprintf(c.App.Writer, "Wrote public key to %s\n", pubFile)
	return nil
}

func writeFile(path string, data []byte, flags int, perm os.FileMode) error {
	f, err := os.OpenFile(path, flags, perm)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "write %s", path)
	}
	return errors.Wrapf(f.Close(), "close %s", path)
}
