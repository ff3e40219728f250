package wire

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojotxn/core/transaction"
)

func TestWriteMessage_AppendsTerminator(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, "ASSIGN A 5\nPRINT A"))
	require.Equal(t, "ASSIGN A 5\nPRINT A\x00", buf.String())
}

func TestReader_ReadsConsecutiveMessages(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, AcceptedMessage))
	require.NoError(t, WriteMessage(&buf, ""))
	require.NoError(t, WriteMessage(&buf, SuccessMessage+"A = 5\n"))

	r := NewReader(&buf)
	msg, err := r.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, AcceptedMessage, msg)

	msg, err = r.ReadMessage()
	require.NoError(t, err)
	require.Empty(t, msg)

	msg, err = r.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "Transaction successful!\nA = 5\n", msg)

	_, err = r.ReadMessage()
	require.ErrorIs(t, err, io.EOF)
}

func TestReader_TruncatedMessage(t *testing.T) {
	r := NewReader(strings.NewReader("ASSIGN A"))
	_, err := r.ReadMessage()
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReader_MessageTooLarge(t *testing.T) {
	big := strings.Repeat("x", MaxMessageSize+1) + "\x00"
	r := NewReader(strings.NewReader(big))
	_, err := r.ReadMessage()
	require.ErrorIs(t, err, ErrMessageTooLarge)

	exact := strings.Repeat("y", MaxMessageSize) + "\x00"
	msg, err := NewReader(strings.NewReader(exact)).ReadMessage()
	require.NoError(t, err)
	require.Len(t, msg, MaxMessageSize)
}

func TestVotesAndDecisions(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteVote(&buf, transaction.VotePrepareOK))
	require.NoError(t, WriteVote(&buf, transaction.VoteAbort))
	require.NoError(t, WriteDecision(&buf, transaction.DecisionCommit))
	require.NoError(t, WriteDecision(&buf, transaction.DecisionAbort))
	require.Equal(t, "1\x000\x001\x000\x00", buf.String())

	r := NewReader(&buf)
	v, err := r.ReadVote()
	require.NoError(t, err)
	require.Equal(t, transaction.VotePrepareOK, v)
	v, err = r.ReadVote()
	require.NoError(t, err)
	require.Equal(t, transaction.VoteAbort, v)

	d, err := r.ReadDecision()
	require.NoError(t, err)
	require.Equal(t, transaction.DecisionCommit, d)
	d, err = r.ReadDecision()
	require.NoError(t, err)
	require.Equal(t, transaction.DecisionAbort, d)
}

func TestDecode_Malformed(t *testing.T) {
	for _, msg := range []string{"", "2", "11", "yes", " 1"} {
		_, err := DecodeVote(msg)
		require.ErrorIs(t, err, ErrMalformedMessage, msg)
		_, err = DecodeDecision(msg)
		require.ErrorIs(t, err, ErrMalformedMessage, msg)
	}
}

func TestAck(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteAck(&buf))
	require.NoError(t, NewReader(&buf).ReadAck())

	err := NewReader(strings.NewReader("0\x00")).ReadAck()
	require.ErrorIs(t, err, ErrMalformedMessage)
}
