package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/parimutuel/internal/chain/evm"
)

// encryptKeyCmd reads a hex private key and a password (one per line) from in
// and writes the encrypted key file for chain.admin_key_file.
func encryptKeyCmd(args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("encrypt-key", flag.ContinueOnError)
	outPath := fs.String("out", "", "write the key file here instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	sc := bufio.NewScanner(in)
	var lines []string
	for len(lines) < 2 && sc.Scan() {
		lines = append(lines, strings.TrimSpace(sc.Text()))
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	if len(lines) < 2 {
		return errors.New("expected the hex key and the password on separate lines")
	}

	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(lines[0], "0x"))
	if err != nil {
		return fmt.Errorf("invalid key: %w", err)
	}
	data, err := evm.EncryptKey(key, lines[1])
	if err != nil {
		return err
	}

	if *outPath == "" {
		_, err = fmt.Fprintln(out, string(data))
		return err
	}
	if err := os.WriteFile(*outPath, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", *outPath, err)
	}
	fmt.Fprintf(out, "wrote key for %s to %s\n", ethcrypto.PubkeyToAddress(key.PublicKey).Hex(), *outPath)
	return nil
}
