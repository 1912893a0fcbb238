package chatid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Identify_Is_Commutative(t *testing.T) {
	req := require.New(t)

	ab, err := Identify("alice", "bob")
	req.NoError(err)
	ba, err := Identify("bob", "alice")
	req.NoError(err)
	req.Equal(ab, ba)
}

func Test_Participants_Inverts_Identify(t *testing.T) {
	req := require.New(t)

	id, err := Identify("zoe", "adam")
	req.NoError(err)
	a, b, err := Participants(id)
	req.NoError(err)
	req.ElementsMatch([]string{"zoe", "adam"}, []string{a, b})
}

func Test_Identify_Rejects_Bad_UIDs(t *testing.T) {
	req := require.New(t)

	_, err := Identify("", "bob")
	req.ErrorIs(err, ErrInvalidIdentity)

	_, err = Identify("alice", "bo_b")
	req.ErrorIs(err, ErrInvalidIdentity)
}

func Test_Participants_Rejects_Malformed_IDs(t *testing.T) {
	req := require.New(t)

	for _, id := range []string{"", "alice", "alice_", "_bob", "a_b_c"} {
		_, _, err := Participants(id)
		req.ErrorIs(err, ErrInvalidIdentity, "id %q", id)
	}
}

func Test_Recipient(t *testing.T) {
	req := require.New(t)

	id, err := Identify("alice", "bob")
	req.NoError(err)

	got, err := Recipient(id, "alice")
	req.NoError(err)
	req.Equal("bob", got)

	got, err = Recipient(id, "bob")
	req.NoError(err)
	req.Equal("alice", got)

	_, err = Recipient(id, "mallory")
	req.ErrorIs(err, ErrInvalidIdentity)

	_, err = Recipient("alice_alice", "alice")
	req.ErrorIs(err, ErrInvalidIdentity)
}
