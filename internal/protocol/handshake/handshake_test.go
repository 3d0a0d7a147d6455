package handshake_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"tether/internal/crypto"
	"tether/internal/domain"
	"tether/internal/protocol/handshake"
)

type testSigner struct {
	priv domain.Ed25519Private
	pub  domain.Ed25519Public
	err  error
}

func newSigner(t *testing.T) *testSigner {
	t.Helper()
	priv, pub, err := crypto.GenerateEd25519()
	if err != nil {
		t.Fatalf("GenerateEd25519: %v", err)
	}
	return &testSigner{priv: priv, pub: pub}
}

func (s *testSigner) SignTranscript(digest []byte) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return crypto.SignEd25519(s.priv, digest), nil
}

func (s *testSigner) PublicIdentity() domain.Ed25519Public { return s.pub }

func TestRespondAndFinishAgree(t *testing.T) {
	require := require.New(t)
	signer := newSigner(t)

	in, req, err := handshake.NewInitiator("s1", domain.Requester{UID: "u1", Client: "test"})
	require.NoError(err)

	res, err := handshake.Respond(req, "device-1", signer)
	require.NoError(err)
	require.Equal(domain.SessionID("s1"), res.Ack.SessionID)
	require.Equal(domain.DeviceID("device-1"), res.Ack.DeviceID)
	require.Equal(signer.pub, res.Ack.IdentityKey)

	key, err := in.Finish(res.Ack, &signer.pub)
	require.NoError(err)
	require.Equal(res.Key, key)
}

func TestDifferentEphemeralsGiveDifferentKeys(t *testing.T) {
	signer := newSigner(t)
	_, req, err := handshake.NewInitiator("s1", domain.Requester{})
	require.NoError(t, err)

	a, err := handshake.Respond(req, "device-1", signer)
	require.NoError(t, err)
	b, err := handshake.Respond(req, "device-1", signer)
	require.NoError(t, err)

	require.NotEqual(t, a.Ack.EphemeralKey, b.Ack.EphemeralKey)
	require.NotEqual(t, a.Key, b.Key)
	require.NotEqual(t, a.Digest, b.Digest)
}

func TestFinishRejectsTamperedAck(t *testing.T) {
	signer := newSigner(t)

	cases := map[string]func(ack *domain.HandshakeAck){
		"signature": func(ack *domain.HandshakeAck) { ack.Signature[0] ^= 0xff },
		"device id": func(ack *domain.HandshakeAck) { ack.DeviceID = "someone-else" },
		"ephemeral": func(ack *domain.HandshakeAck) { ack.EphemeralKey[0] ^= 0x01 },
	}
	for name, tamper := range cases {
		t.Run(name, func(t *testing.T) {
			in, req, err := handshake.NewInitiator("s1", domain.Requester{})
			require.NoError(t, err)
			res, err := handshake.Respond(req, "device-1", signer)
			require.NoError(t, err)

			ack := res.Ack
			ack.Signature = append([]byte(nil), res.Ack.Signature...)
			tamper(&ack)
			_, err = in.Finish(ack, nil)
			require.True(t, handshake.IsKind(err, handshake.KindBadSignature), "got %v", err)
		})
	}
}

func TestFinishRejectsWrongPin(t *testing.T) {
	signer := newSigner(t)
	other := newSigner(t)

	in, req, err := handshake.NewInitiator("s1", domain.Requester{})
	require.NoError(t, err)
	res, err := handshake.Respond(req, "device-1", signer)
	require.NoError(t, err)

	_, err = in.Finish(res.Ack, &other.pub)
	require.True(t, handshake.IsKind(err, handshake.KindBadSignature))
}

func TestRespondInvalidRequests(t *testing.T) {
	signer := newSigner(t)
	_, good, err := handshake.NewInitiator("s1", domain.Requester{})
	require.NoError(t, err)

	cases := map[string]domain.HandshakeRequest{
		"missing key":     {SessionID: "s1"},
		"short key":       {SessionID: "s1", EphemeralKey: good.EphemeralKey[:31]},
		"long key":        {SessionID: "s1", EphemeralKey: append(append([]byte{}, good.EphemeralKey...), 0)},
		"missing session": {EphemeralKey: good.EphemeralKey},
		"low order key":   {SessionID: "s1", EphemeralKey: make([]byte, 32)},
		"huge challenge":  {SessionID: "s1", EphemeralKey: good.EphemeralKey, Challenge: make([]byte, handshake.MaxChallenge+1)},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := handshake.Respond(req, "device-1", signer)
			require.True(t, handshake.IsKind(err, handshake.KindInvalidRequest), "got %v", err)
		})
	}
}

func TestRespondWithoutIdentity(t *testing.T) {
	_, req, err := handshake.NewInitiator("s1", domain.Requester{})
	require.NoError(t, err)

	_, err = handshake.Respond(req, "device-1", nil)
	require.True(t, handshake.IsKind(err, handshake.KindNoIdentity))

	broken := newSigner(t)
	broken.err = errors.New("locked")
	_, err = handshake.Respond(req, "device-1", broken)
	require.True(t, handshake.IsKind(err, handshake.KindNoIdentity))
	require.ErrorIs(t, err, broken.err)
}

func TestTranscriptLayout(t *testing.T) {
	tr := handshake.Transcript{
		SessionID: "s",
		DeviceID:  "d",
		Challenge: []byte{0xaa},
	}
	tr.PeerEph[0] = 1
	tr.DeviceEph[0] = 2
	tr.IdentityKey[0] = 3

	b := tr.Bytes()
	label := len("tether/handshake/v1")
	require.Equal(t, "tether/handshake/v1", string(b[:label]))
	rest := b[label:]
	require.Equal(t, []byte{0, 1, 's', 0, 1, 'd'}, rest[:6])
	require.Equal(t, byte(1), rest[6])
	require.Equal(t, byte(2), rest[6+32])
	require.Equal(t, []byte{0, 1, 0xaa}, rest[6+64:6+67])
	require.Equal(t, byte(3), rest[6+67])
	require.Len(t, rest, 6+67+32)
}
