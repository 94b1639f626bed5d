package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/tradewire/riskcore/pkg/execerrors"
)

// APIKey is a derived trading credential. Secret is url-safe base64.
type APIKey struct {
	Key        string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// SignRequest computes the keyed-hash signature over
// timestamp + method + path + body using the decoded secret.
func (k *APIKey) SignRequest(timestamp, method, path string, body []byte) (string, error) {
	secret, err := base64.URLEncoding.DecodeString(k.Secret)
	if err != nil {
		return "", fmt.Errorf("%w: decode api secret: %v", execerrors.ErrSigningFailed, err)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	mac.Write(body)
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}
