package attest

import "fmt"

// Identity selects which signature algorithm backs an Attest instance.
type Identity int64

const (
	invalidIdentity Identity = iota
	Ed25519
	MLDSA
)

func (a Identity) NewAttest() (Attest, error) {
	switch a {
	case Ed25519:
		return newEd25519DSA()
	case MLDSA:
		return newMLDSA()
	default:
		return nil, fmt.Errorf("NewAttest: invalid identity: %d", a)
	}
}

func (a Identity) Verify(pub PublicKey, msg, sig []byte) bool {
	return Verify(pub, msg, sig)
}

func (a Identity) ParsePublicKey(remote []byte) (PublicKey, error) {
	return ParsePublicKey(remote)
}

func (a Identity) Load(path string) (Attest, error) {
	switch a {
	case Ed25519:
		return loadEd25519(path)
	case MLDSA:
		return loadMLDSA(path)
	default:
		return nil, fmt.Errorf("Load: invalid identity: %d", a)
	}
}

func (a Identity) String() string {
	switch a {
	case Ed25519:
		return "ed25519"
	case MLDSA:
		return "mldsa"
	default:
		return "invalid"
	}
}

func ParseIdentity(s string) (Identity, error) {
	switch s {
	case "ed25519":
		return Ed25519, nil
	case "mldsa":
		return MLDSA, nil
	default:
		return invalidIdentity, fmt.Errorf("unknown identity: %s", s)
	}
}
