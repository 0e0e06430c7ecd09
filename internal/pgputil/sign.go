package pgputil

import (
	"bytes"

	"golang.org/x/crypto/openpgp/clearsign"
	"golang.org/x/crypto/openpgp/packet"
)

// SignClearsign wraps body in an OpenPGP clearsigned message signed by
// privKey, suitable for use as a manifest.DumpOptions.Signer callback.
func SignClearsign(privKey *packet.PrivateKey, body []byte) ([]byte, error) {
	debugf("pgputil: clearsigning %d bytes with key %x", len(body), privKey.KeyId)

	var buf bytes.Buffer
	w, err := clearsign.Encode(&buf, privKey, nil)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(body); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
