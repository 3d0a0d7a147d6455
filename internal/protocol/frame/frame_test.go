package frame_test

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"tether/internal/domain"
	"tether/internal/protocol/frame"
)

func newKey(t *testing.T) frame.Key {
	t.Helper()
	var k frame.Key
	if _, err := rand.Read(k[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return k
}

func TestRoundTrip(t *testing.T) {
	key := newKey(t)
	md := frame.Metadata{Type: domain.FrameMessage, SessionID: "s1"}

	for _, pt := range [][]byte{nil, []byte("x"), []byte(`{"request_id":"r1","prompt":"hi"}`)} {
		f, err := frame.Seal(key, frame.Inbound, 7, md, pt)
		require.NoError(t, err)
		require.Len(t, f.Tag, frame.TagSize)
		require.Equal(t, uint64(7), f.Seq)

		got, err := frame.Open(key, frame.Inbound, f)
		require.NoError(t, err)
		require.Equal(t, string(pt), string(got))
	}
}

func TestNonceUniqueAcrossSequenceAndDirection(t *testing.T) {
	const n = 4096
	seen := make(map[[frame.NonceSize]byte]struct{}, 2*n)
	for _, dir := range []frame.Direction{frame.Inbound, frame.Outbound} {
		for seq := uint64(0); seq < n; seq++ {
			nonce := frame.Nonce(dir, seq)
			if _, dup := seen[nonce]; dup {
				t.Fatalf("nonce reused at dir=%s seq=%d", dir, seq)
			}
			seen[nonce] = struct{}{}
		}
	}
	require.Len(t, seen, 2*n)
}

func TestEncryptReturnsDerivedNonce(t *testing.T) {
	key := newKey(t)
	md := frame.Metadata{Type: domain.FrameResult, SessionID: "s1"}
	nonce, _, _, err := frame.Encrypt(key, frame.Outbound, 3, []byte("r"), md)
	require.NoError(t, err)
	require.Equal(t, frame.Nonce(frame.Outbound, 3), nonce)
}

func TestTypeFlipFailsAuthentication(t *testing.T) {
	key := newKey(t)
	f, err := frame.Seal(key, frame.Inbound, 0, frame.Metadata{Type: domain.FrameMessage, SessionID: "s1"}, []byte("hello"))
	require.NoError(t, err)

	f.Type = domain.FrameResult
	_, err = frame.Open(key, frame.Inbound, f)
	require.ErrorIs(t, err, frame.ErrAuthentication)
}

func TestRelabelledFramesFailAuthentication(t *testing.T) {
	key := newKey(t)
	md := frame.Metadata{Type: domain.FrameMessage, SessionID: "s1"}
	orig, err := frame.Seal(key, frame.Inbound, 5, md, []byte("hello"))
	require.NoError(t, err)

	t.Run("other session", func(t *testing.T) {
		f := orig
		f.SessionID = "s2"
		_, err := frame.Open(key, frame.Inbound, f)
		require.ErrorIs(t, err, frame.ErrAuthentication)
	})
	t.Run("other sequence", func(t *testing.T) {
		f := orig
		f.Seq = 6
		_, err := frame.Open(key, frame.Inbound, f)
		require.ErrorIs(t, err, frame.ErrAuthentication)
	})
	t.Run("other direction", func(t *testing.T) {
		_, err := frame.Open(key, frame.Outbound, orig)
		require.ErrorIs(t, err, frame.ErrAuthentication)
	})
	t.Run("other key", func(t *testing.T) {
		_, err := frame.Open(newKey(t), frame.Inbound, orig)
		require.ErrorIs(t, err, frame.ErrAuthentication)
	})
	t.Run("flipped ciphertext bit", func(t *testing.T) {
		f := orig
		f.Ciphertext = append([]byte(nil), orig.Ciphertext...)
		f.Ciphertext[0] ^= 0x01
		_, err := frame.Open(key, frame.Inbound, f)
		require.ErrorIs(t, err, frame.ErrAuthentication)
	})
}

func TestMalformedFrames(t *testing.T) {
	key := newKey(t)
	good, err := frame.Seal(key, frame.Inbound, 0, frame.Metadata{Type: domain.FrameMessage, SessionID: "s1"}, []byte("x"))
	require.NoError(t, err)

	short := good
	short.Tag = good.Tag[:8]
	_, err = frame.Open(key, frame.Inbound, short)
	require.ErrorIs(t, err, frame.ErrMalformedFrame)

	control := good
	control.Type = domain.FrameHeartbeat
	_, err = frame.Open(key, frame.Inbound, control)
	require.ErrorIs(t, err, frame.ErrMalformedFrame)

	noSession := good
	noSession.SessionID = ""
	_, err = frame.Open(key, frame.Inbound, noSession)
	require.ErrorIs(t, err, frame.ErrMalformedFrame)

	_, err = frame.Seal(key, frame.Direction(9), 0, frame.Metadata{Type: domain.FrameMessage, SessionID: "s1"}, nil)
	require.ErrorIs(t, err, frame.ErrMalformedFrame)
}

func TestAssociatedDataLayout(t *testing.T) {
	ad := frame.AssociatedData(frame.Metadata{Type: domain.FrameMessage, SessionID: "s1"}, frame.Outbound, 1)
	want := []byte("tether/aad/v1")
	want = append(want, 0x00, 0x0f)
	want = append(want, "session.message"...)
	want = append(want, 0x00, 0x02, 's', '1')
	want = append(want, 0, 0, 0, 0, 0, 0, 0, 1)
	want = append(want, 0x02)
	require.Equal(t, want, ad)
}
