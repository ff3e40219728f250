package participant

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sushant-115/gojotxn/core/replication/wire"
	"github.com/sushant-115/gojotxn/core/transaction"
)

// Dialer opens peer connections. *connection.Dialer and *net.Dialer satisfy it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// RemoteSession is the coordinator's handle on a participant reached over TCP.
type RemoteSession struct {
	addr   string
	conn   net.Conn
	reader *wire.Reader

	// AckTimeout bounds the wait for the acknowledgement after a decision.
	// Zero skips waiting for it.
	AckTimeout time.Duration
}

// Dial connects to the participant at addr and sends script.
func Dial(ctx context.Context, dialer Dialer, addr, script string) (*RemoteSession, error) {
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to participant %s: %w", addr, err)
	}
	if err := wire.WriteMessage(conn, script); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send transaction to %s: %w", addr, err)
	}
	return &RemoteSession{
		addr:   addr,
		conn:   conn,
		reader: wire.NewReader(conn),
	}, nil
}

// Addr is the participant's address.
func (s *RemoteSession) Addr() string { return s.addr }

// Vote waits for the participant's vote until ctx is done.
func (s *RemoteSession) Vote(ctx context.Context) (transaction.Vote, error) {
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		s.conn.SetReadDeadline(time.Unix(1, 0))
		close(fired)
	})
	defer func() {
		if !stop() {
			<-fired
		}
	}()

	v, err := s.reader.ReadVote()
	if err != nil {
		if ctx.Err() != nil {
			return transaction.VoteAbort, ctx.Err()
		}
		return transaction.VoteAbort, fmt.Errorf("failed to read vote from %s: %w", s.addr, err)
	}
	return v, nil
}

// Decide sends d and waits up to AckTimeout for the acknowledgement. The
// decision stands whatever this returns; errors only report delivery.
func (s *RemoteSession) Decide(ctx context.Context, d transaction.Decision) error {
	if deadline, ok := ctx.Deadline(); ok {
		s.conn.SetWriteDeadline(deadline)
	}
	if err := wire.WriteDecision(s.conn, d); err != nil {
		return fmt.Errorf("failed to send decision to %s: %w", s.addr, err)
	}
	if s.AckTimeout <= 0 {
		return nil
	}
	s.conn.SetReadDeadline(time.Now().Add(s.AckTimeout))
	if err := s.reader.ReadAck(); err != nil {
		return fmt.Errorf("no acknowledgement from %s: %w", s.addr, err)
	}
	return nil
}

// Close drops the connection. A participant that has not seen a decision
// treats this as ABORT.
func (s *RemoteSession) Close() error {
	return s.conn.Close()
}
