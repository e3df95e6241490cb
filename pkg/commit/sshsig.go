package commit

import (
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

const (
	sshSigMagic     = "SSHSIG"
	sshSigVersion   = 1
	sshSigNamespace = "git"
	sshSigHashAlg   = "sha512"
	sshSigLineWidth = 70
)

// NewSSHSigner loads a private key and returns a Signer producing git's SSH
// signature format. An empty keyPath tries the usual keys under ~/.ssh. The
// resolved key path is returned for diagnostics.
func NewSSHSigner(keyPath string) (Signer, string, error) {
	resolvedPath, err := resolveSigningKeyPath(keyPath)
	if err != nil {
		return nil, "", err
	}

	raw, err := os.ReadFile(resolvedPath)
	if err != nil {
		return nil, "", fmt.Errorf("read signing key %q: %w", resolvedPath, err)
	}
	signer, err := ssh.ParsePrivateKey(raw)
	if err != nil {
		return nil, "", fmt.Errorf("parse signing key %q: %w", resolvedPath, err)
	}
	return SSHSigner(signer), resolvedPath, nil
}

// SSHSigner adapts an ssh.Signer to a commit Signer.
func SSHSigner(signer ssh.Signer) Signer {
	return func(payload []byte) (string, error) {
		return signSSH(signer, payload)
	}
}

type sshSigBlob struct {
	Version   uint32
	PublicKey []byte
	Namespace string
	Reserved  string
	HashAlg   string
	Signature []byte
}

type sshSigSignedData struct {
	Namespace string
	Reserved  string
	HashAlg   string
	Hash      []byte
}

func sshSignedData(payload []byte) []byte {
	sum := sha512.Sum512(payload)
	return append([]byte(sshSigMagic), ssh.Marshal(sshSigSignedData{
		Namespace: sshSigNamespace,
		HashAlg:   sshSigHashAlg,
		Hash:      sum[:],
	})...)
}

func signSSH(signer ssh.Signer, payload []byte) (string, error) {
	data := sshSignedData(payload)

	var (
		sig *ssh.Signature
		err error
	)
	if as, ok := signer.(ssh.AlgorithmSigner); ok && signer.PublicKey().Type() == ssh.KeyAlgoRSA {
		sig, err = as.SignWithAlgorithm(rand.Reader, data, ssh.KeyAlgoRSASHA512)
	} else {
		sig, err = signer.Sign(rand.Reader, data)
	}
	if err != nil {
		return "", err
	}

	blob := append([]byte(sshSigMagic), ssh.Marshal(sshSigBlob{
		Version:   sshSigVersion,
		PublicKey: signer.PublicKey().Marshal(),
		Namespace: sshSigNamespace,
		HashAlg:   sshSigHashAlg,
		Signature: ssh.Marshal(*sig),
	})...)

	enc := base64.StdEncoding.EncodeToString(blob)
	var sb strings.Builder
	sb.WriteString("-----BEGIN SSH SIGNATURE-----\n")
	for len(enc) > sshSigLineWidth {
		sb.WriteString(enc[:sshSigLineWidth])
		sb.WriteByte('\n')
		enc = enc[sshSigLineWidth:]
	}
	sb.WriteString(enc)
	sb.WriteString("\n-----END SSH SIGNATURE-----")
	return sb.String(), nil
}

// VerifySSH checks an armored signature produced by an SSH Signer against
// payload and returns the signing public key.
func VerifySSH(armored string, payload []byte) (ssh.PublicKey, error) {
	body := strings.TrimSpace(armored)
	body = strings.TrimPrefix(body, "-----BEGIN SSH SIGNATURE-----")
	body = strings.TrimSuffix(body, "-----END SSH SIGNATURE-----")
	raw, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(body), ""))
	if err != nil {
		return nil, fmt.Errorf("decode ssh signature: %w", err)
	}
	if !strings.HasPrefix(string(raw), sshSigMagic) {
		return nil, fmt.Errorf("decode ssh signature: missing %s preamble", sshSigMagic)
	}

	var blob sshSigBlob
	if err := ssh.Unmarshal(raw[len(sshSigMagic):], &blob); err != nil {
		return nil, fmt.Errorf("decode ssh signature: %w", err)
	}
	if blob.Namespace != sshSigNamespace || blob.HashAlg != sshSigHashAlg {
		return nil, fmt.Errorf("unsupported ssh signature namespace %q / hash %q", blob.Namespace, blob.HashAlg)
	}
	pub, err := ssh.ParsePublicKey(blob.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("parse signing public key: %w", err)
	}
	var sig ssh.Signature
	if err := ssh.Unmarshal(blob.Signature, &sig); err != nil {
		return nil, fmt.Errorf("decode ssh signature body: %w", err)
	}
	if err := pub.Verify(sshSignedData(payload), &sig); err != nil {
		return nil, err
	}
	return pub, nil
}

func resolveSigningKeyPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path != "" {
		return expandUserPath(path)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		candidate := filepath.Join(home, ".ssh", name)
		if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no default SSH private key found in ~/.ssh (id_ed25519, id_ecdsa, id_rsa)")
}

func expandUserPath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}
	return filepath.Abs(path)
}
