// Package envelope seals and opens the request/response bodies exchanged with
// the agent server running on each machine. Bodies are age (X25519) ciphertext,
// base64 encoded, wrapping a JSON document stamped with its issue time.
package envelope

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"filippo.io/age"
)

var (
	ErrUndecryptable = errors.New("envelope: cannot decrypt body")
	ErrMalformed     = errors.New("envelope: malformed payload")
	ErrStale         = errors.New("envelope: payload expired")
)

// Envelope holds the local identity (to open replies) and the peer recipient
// (to seal requests). Either half may be nil when only one direction is used.
type Envelope struct {
	identity  *age.X25519Identity
	recipient age.Recipient
	maxAge    time.Duration
	now       func() time.Time
}

// New parses an AGE-SECRET-KEY-1... identity and an age1... recipient.
func New(identity, recipient string, maxAge time.Duration) (*Envelope, error) {
	env := &Envelope{maxAge: maxAge, now: time.Now}
	if identity != "" {
		id, err := age.ParseX25519Identity(identity)
		if err != nil {
			return nil, fmt.Errorf("parsing identity: %w", err)
		}
		env.identity = id
	}
	if recipient != "" {
		r, err := age.ParseX25519Recipient(recipient)
		if err != nil {
			return nil, fmt.Errorf("parsing recipient: %w", err)
		}
		env.recipient = r
	}
	return env, nil
}

// GenerateKeypair returns a fresh identity and its public recipient string.
func GenerateKeypair() (identity, recipient string, err error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("generating age keypair: %w", err)
	}
	return id.String(), id.Recipient().String(), nil
}

type sealed struct {
	IssuedAt int64           `json:"issuedAt"`
	Data     json.RawMessage `json:"data"`
}

// Encrypt seals payload for the peer recipient.
func (e *Envelope) Encrypt(payload any) ([]byte, error) {
	if e.recipient == nil {
		return nil, errors.New("envelope: no recipient configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	plain, err := json.Marshal(sealed{IssuedAt: e.now().UnixMilli(), Data: data})
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, e.recipient)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plain); err != nil {
		return nil, fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}

	out := make([]byte, base64.StdEncoding.EncodedLen(buf.Len()))
	base64.StdEncoding.Encode(out, buf.Bytes())
	return out, nil
}

// Result is the outcome of DecryptAndValidate.
type Result[T any] struct {
	Valid bool
	Data  T
	Error error
}

// DecryptAndValidate opens body with the local identity and decodes it into T.
// Bodies that cannot be decrypted, fail to decode, or are older than the
// configured max age are reported as invalid rather than returned as errors.
func DecryptAndValidate[T any](e *Envelope, body []byte) Result[T] {
	var res Result[T]
	if e.identity == nil {
		res.Error = errors.New("envelope: no identity configured")
		return res
	}

	raw := make([]byte, base64.StdEncoding.DecodedLen(len(body)))
	n, err := base64.StdEncoding.Decode(raw, bytes.TrimSpace(body))
	if err != nil {
		res.Error = fmt.Errorf("%w: %v", ErrUndecryptable, err)
		return res
	}
	r, err := age.Decrypt(bytes.NewReader(raw[:n]), e.identity)
	if err != nil {
		res.Error = fmt.Errorf("%w: %v", ErrUndecryptable, err)
		return res
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		res.Error = fmt.Errorf("%w: %v", ErrUndecryptable, err)
		return res
	}

	var s sealed
	if err := json.Unmarshal(plain, &s); err != nil || s.IssuedAt == 0 {
		res.Error = fmt.Errorf("%w: missing envelope header", ErrMalformed)
		return res
	}
	if e.maxAge > 0 {
		elapsed := e.now().Sub(time.UnixMilli(s.IssuedAt))
		if elapsed > e.maxAge {
			res.Error = fmt.Errorf("%w: issued %s ago", ErrStale, elapsed.Round(time.Second))
			return res
		}
	}
	if err := json.Unmarshal(s.Data, &res.Data); err != nil {
		res.Error = fmt.Errorf("%w: %v", ErrMalformed, err)
		return res
	}
	res.Valid = true
	return res
}
