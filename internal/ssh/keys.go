package ssh

import (
	"errors"

	"golang.org/x/crypto/ssh"
)

// ParsePrivateKey parses a PEM private key. The passphrase is only tried when
// the key turns out to be protected.
func ParsePrivateKey(pemBytes []byte, passphrase string) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err == nil {
		return signer, nil
	}

	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) && passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(passphrase))
	}
	return nil, err
}
