package relay

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/btcsuite/btcd/btcutil/base58"
)

const (
	didKeyPrefix   = "did:key:"
	base58btc      = "z"
	authTTL        = 24 * time.Hour
	jwtAlgEdDSA    = "EdDSA"
	jwtTypeJWT     = "JWT"
	clientIDLength = 32
)

// multicodec prefix for an ed25519 public key
var ed25519Multicodec = []byte{0xed, 0x01}

// Identity is the relay client key. The relay identifies the connection by
// its did:key.
type Identity struct {
	priv ed25519.PrivateKey
}

func NewIdentity() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Identity{priv: priv}, nil
}

// DID encodes the public key as did:key.
func (id *Identity) DID() string {
	pub := id.priv.Public().(ed25519.PublicKey)
	return didKeyPrefix + base58btc + base58.Encode(append(append([]byte{}, ed25519Multicodec...), pub...))
}

type jwtHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

type jwtClaims struct {
	Iss string `json:"iss"`
	Sub string `json:"sub"`
	Aud string `json:"aud"`
	Iat int64  `json:"iat"`
	Exp int64  `json:"exp"`
}

// Token returns a signed EdDSA JWT asserting this identity to the relay at aud.
func (id *Identity) Token(aud string, now time.Time) (string, error) {
	sub := make([]byte, clientIDLength)
	if _, err := rand.Read(sub); err != nil {
		return "", err
	}

	header, err := json.Marshal(jwtHeader{Alg: jwtAlgEdDSA, Typ: jwtTypeJWT})
	if err != nil {
		return "", err
	}
	claims, err := json.Marshal(jwtClaims{
		Iss: id.DID(),
		Sub: hex.EncodeToString(sub),
		Aud: aud,
		Iat: now.Unix(),
		Exp: now.Add(authTTL).Unix(),
	})
	if err != nil {
		return "", err
	}

	enc := base64.RawURLEncoding
	signing := enc.EncodeToString(header) + "." + enc.EncodeToString(claims)
	sig := ed25519.Sign(id.priv, []byte(signing))
	return signing + "." + enc.EncodeToString(sig), nil
}
