package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/moffa90/go-nanohub/image"
	"github.com/moffa90/go-nanohub/sigverify"
)

func keygenCmd(e *env, args []string) error {
	var verbose bool
	var out string
	fs := e.flagSet("keygen", &verbose)
	fs.StringVarP(&out, "out", "o", "", "output base name; writes NAME.pem and NAME.pub")
	if ok, err := parse(fs, args); !ok {
		return err
	}
	if err := requireFlag(fs, "out"); err != nil {
		return err
	}

	priv, err := sigverify.GenerateKey(nil)
	if err != nil {
		return err
	}
	pem, err := sigverify.EncodePrivateKeyPEM(priv)
	if err != nil {
		return err
	}
	pub, err := sigverify.PublicKeyBytes(&priv.PublicKey)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out+".pem", pem, 0o600); err != nil {
		return err
	}
	if err := os.WriteFile(out+".pub", pub, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "wrote %s.pem and %s.pub\n", out, out)
	return nil
}

func signCmd(e *env, args []string) error {
	var (
		verbose   bool
		keyPath   string
		kind      string
		in, out   string
		appIDStr  string
		version   uint32
		flagNames []string
		raw       bool
		encKeyHex string
		encKeyID  string
		keyID     uint32
		remove    bool
	)
	fs := e.flagSet("sign", &verbose)
	fs.StringVarP(&keyPath, "key", "k", "", "PEM signing key (omit for an unsigned container)")
	fs.StringVar(&kind, "kind", "app", "payload kind: app, os or key")
	fs.StringVarP(&in, "in", "i", "", "payload file (for key: 32 raw AES key bytes)")
	fs.StringVarP(&out, "out", "o", "", "output file")
	fs.StringVar(&appIDStr, "app-id", "0", "64-bit app id, decimal or 0x hex")
	fs.Uint32Var(&version, "version", 1, "app version")
	fs.StringSliceVar(&flagNames, "flags", nil, "extra header flags: secure, volatile")
	fs.BoolVar(&raw, "raw", false, "for os: write the bare OS image for the serial loader")
	fs.StringVar(&encKeyHex, "encrypt-key", "", "hex AES-256 key to encrypt the body with")
	fs.StringVar(&encKeyID, "encrypt-key-id", "0", "key id the hub looks the AES key up by")
	fs.Uint32Var(&keyID, "key-id", 0, "for key: the key info id")
	fs.BoolVar(&remove, "delete", false, "for key: build a removal request")
	if ok, err := parse(fs, args); !ok {
		return err
	}
	if err := requireFlag(fs, "in", "out"); err != nil {
		return err
	}

	appID, err := strconv.ParseUint(appIDStr, 0, 64)
	if err != nil {
		return fmt.Errorf("--app-id: %w", err)
	}
	flags, err := parseFlags(flagNames)
	if err != nil {
		return err
	}

	var b image.Builder
	if keyPath != "" {
		pem, err := os.ReadFile(keyPath)
		if err != nil {
			return err
		}
		if b.SignWith, err = sigverify.ParsePrivateKeyPEM(pem); err != nil {
			return fmt.Errorf("%s: %w", keyPath, err)
		}
	}
	if encKeyHex != "" {
		enc, err := parseEncryption(encKeyHex, encKeyID)
		if err != nil {
			return err
		}
		b.Encrypt = enc
	}

	payload, err := os.ReadFile(in)
	if err != nil {
		return err
	}

	var result []byte
	id := image.AppID(appID)
	switch kind {
	case "app":
		result, err = b.Build(image.NewAppHeader(id, version, image.PayloadApp, image.FlagApplication|flags), payload)
	case "os":
		result, err = b.BuildOS(payload)
		if err == nil && !raw {
			result, err = b.Build(image.NewAppHeader(id, version, image.PayloadOS, flags), result)
		}
	case "key":
		if len(payload) != image.AESKeySize {
			return fmt.Errorf("key file holds %d bytes, want %d", len(payload), image.AESKeySize)
		}
		info := image.KeyInfo{ID: keyID}
		copy(info.Key[:], payload)
		result, err = b.BuildKey(id, version, info, remove)
	default:
		return fmt.Errorf("unknown --kind %q", kind)
	}
	if err != nil {
		return err
	}

	if err := os.WriteFile(out, result, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "wrote %s (%d bytes)\n", out, len(result))
	return nil
}

func parseFlags(names []string) (image.Flags, error) {
	var f image.Flags
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case "secure":
			f |= image.FlagSecure
		case "volatile":
			f |= image.FlagVolatile
		default:
			return 0, fmt.Errorf("unknown header flag %q", n)
		}
	}
	return f, nil
}

func parseEncryption(keyHex, idStr string) (*image.Encryption, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("--encrypt-key: %w", err)
	}
	if len(key) != image.AESKeySize {
		return nil, fmt.Errorf("--encrypt-key is %d bytes, want %d", len(key), image.AESKeySize)
	}
	id, err := strconv.ParseUint(idStr, 0, 64)
	if err != nil {
		return nil, fmt.Errorf("--encrypt-key-id: %w", err)
	}
	enc := &image.Encryption{KeyID: id}
	copy(enc.Key[:], key)
	return enc, nil
}
