package wire

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/walletconnect-go/wcrelay/pkg/errors"
)

// ErrMalformedURI is returned by ParseURI on any structurally invalid
// pairing URI (§7 "pairing_params_uri_init").
var ErrMalformedURI = errors.New("pairing_params_uri_init: malformed pairing uri")

const uriVersion = "2"

// PairingURI is the parsed form of the bit-exact wire format in §6:
//
//	wc:{topic}@{version}?controller={0|1}&publicKey={hex}&relay={url-encoded-json}
type PairingURI struct {
	Topic      string
	Version    string
	Controller bool
	PublicKey  string
	Relay      RelayProtocol
}

// FormatURI renders u in the exact §6 wire format. Controller and
// publicKey and relay are emitted in that order to match the spec's
// literal example in §8 scenario 1.
func FormatURI(u PairingURI) (string, error) {
	relayJSON, err := json.Marshal(u.Relay)
	if err != nil {
		return "", errors.Wrap(err, "marshal relay protocol")
	}
	controllerFlag := "0"
	if u.Controller {
		controllerFlag = "1"
	}
	version := u.Version
	if version == "" {
		version = uriVersion
	}
	var b strings.Builder
	b.WriteString("wc:")
	b.WriteString(u.Topic)
	b.WriteByte('@')
	b.WriteString(version)
	b.WriteByte('?')
	b.WriteString("controller=")
	b.WriteString(controllerFlag)
	b.WriteString("&publicKey=")
	b.WriteString(u.PublicKey)
	b.WriteString("&relay=")
	b.WriteString(url.QueryEscape(string(relayJSON)))
	return b.String(), nil
}

// ParseURI reverses FormatURI. Unknown query keys are ignored per §6;
// missing required keys or a malformed topic/version fail with
// ErrMalformedURI.
func ParseURI(raw string) (*PairingURI, error) {
	if !strings.HasPrefix(raw, "wc:") {
		return nil, ErrMalformedURI
	}
	rest := raw[len("wc:"):]
	atIdx := strings.IndexByte(rest, '@')
	qIdx := strings.IndexByte(rest, '?')
	if atIdx < 0 || qIdx < 0 || qIdx < atIdx {
		return nil, ErrMalformedURI
	}
	topic := rest[:atIdx]
	version := rest[atIdx+1 : qIdx]
	if topic == "" || version == "" {
		return nil, ErrMalformedURI
	}
	query, err := url.ParseQuery(rest[qIdx+1:])
	if err != nil {
		return nil, errors.Wrap(ErrMalformedURI, err.Error())
	}
	publicKey := query.Get("publicKey")
	if publicKey == "" {
		return nil, ErrMalformedURI
	}
	controller, err := strconv.ParseBool(query.Get("controller"))
	if err != nil {
		return nil, ErrMalformedURI
	}
	var relay RelayProtocol
	if raw := query.Get("relay"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &relay); err != nil {
			return nil, errors.Wrap(ErrMalformedURI, err.Error())
		}
	}
	return &PairingURI{
		Topic:      topic,
		Version:    version,
		Controller: controller,
		PublicKey:  publicKey,
		Relay:      relay,
	}, nil
}
