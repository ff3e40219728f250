// Package wire is the null-terminated text framing spoken on client and peer
// connections. Every message is a run of bytes followed by a single 0x00.
package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/sushant-115/gojotxn/core/transaction"
)

// MaxMessageSize bounds a single message, terminator excluded.
const MaxMessageSize = 4096

const terminator = 0x00

// Client-facing strings.
const (
	AcceptedMessage = "Transaction accepted, please wait..."
	SuccessMessage  = "Transaction successful!\n"
)

// Single-byte vote and decision encodings.
const (
	yes = "1"
	no  = "0"
)

var (
	ErrMessageTooLarge  = errors.New("message exceeds maximum size")
	ErrMalformedMessage = errors.New("malformed protocol message")
)

// WriteMessage writes payload followed by the terminator in one Write call.
func WriteMessage(w io.Writer, payload string) error {
	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, payload...)
	buf = append(buf, terminator)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Reader reads terminated messages from a stream.
type Reader struct {
	r       *bufio.Reader
	maxSize int
}

// NewReader wraps r. Messages longer than MaxMessageSize are rejected.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r), maxSize: MaxMessageSize}
}

// ReadMessage returns the next message without its terminator. A stream that
// ends before the first byte yields io.EOF; one that ends mid-message yields
// io.ErrUnexpectedEOF.
func (r *Reader) ReadMessage() (string, error) {
	var msg []byte
	for {
		b, err := r.r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(msg) == 0 {
					return "", io.EOF
				}
				return "", io.ErrUnexpectedEOF
			}
			return "", err
		}
		if b == terminator {
			return string(msg), nil
		}
		if len(msg) >= r.maxSize {
			return "", ErrMessageTooLarge
		}
		msg = append(msg, b)
	}
}

// EncodeVote returns the wire form of v.
func EncodeVote(v transaction.Vote) string {
	if v == transaction.VotePrepareOK {
		return yes
	}
	return no
}

// DecodeVote parses a vote message.
func DecodeVote(msg string) (transaction.Vote, error) {
	switch msg {
	case yes:
		return transaction.VotePrepareOK, nil
	case no:
		return transaction.VoteAbort, nil
	}
	return transaction.VoteAbort, fmt.Errorf("%w: vote %q", ErrMalformedMessage, msg)
}

// EncodeDecision returns the wire form of d.
func EncodeDecision(d transaction.Decision) string {
	if d == transaction.DecisionCommit {
		return yes
	}
	return no
}

// DecodeDecision parses a decision message.
func DecodeDecision(msg string) (transaction.Decision, error) {
	switch msg {
	case yes:
		return transaction.DecisionCommit, nil
	case no:
		return transaction.DecisionAbort, nil
	}
	return transaction.DecisionAbort, fmt.Errorf("%w: decision %q", ErrMalformedMessage, msg)
}

// WriteVote writes v as a message.
func WriteVote(w io.Writer, v transaction.Vote) error {
	return WriteMessage(w, EncodeVote(v))
}

// WriteDecision writes d as a message.
func WriteDecision(w io.Writer, d transaction.Decision) error {
	return WriteMessage(w, EncodeDecision(d))
}

// WriteAck acknowledges that a decision was applied.
func WriteAck(w io.Writer) error {
	return WriteMessage(w, yes)
}

// ReadAck reads one acknowledgement.
func (r *Reader) ReadAck() error {
	msg, err := r.ReadMessage()
	if err != nil {
		return err
	}
	if msg != yes {
		return fmt.Errorf("%w: ack %q", ErrMalformedMessage, msg)
	}
	return nil
}

// ReadVote reads and decodes one vote message.
func (r *Reader) ReadVote() (transaction.Vote, error) {
	msg, err := r.ReadMessage()
	if err != nil {
		return transaction.VoteAbort, err
	}
	return DecodeVote(msg)
}

// ReadDecision reads and decodes one decision message.
func (r *Reader) ReadDecision() (transaction.Decision, error) {
	msg, err := r.ReadMessage()
	if err != nil {
		return transaction.DecisionAbort, err
	}
	return DecodeDecision(msg)
}
