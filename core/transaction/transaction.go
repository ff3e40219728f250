package transaction

// Vote is a participant's verdict for the prepare phase of one round.
type Vote int

const (
	VoteAbort     Vote = iota // Participant could not lock or validate the script
	VotePrepareOK             // Participant holds every lock the script needs
)

func (v Vote) String() string {
	if v == VotePrepareOK {
		return "PREPARE_OK"
	}
	return "ABORT"
}

// Decision is the coordinator's binding verdict for one round.
type Decision int

const (
	DecisionAbort Decision = iota
	DecisionCommit
)

func (d Decision) String() string {
	if d == DecisionCommit {
		return "COMMIT"
	}
	return "ABORT"
}

// AttemptState represents the in-memory state of one attempt on a participant.
type AttemptState int

const (
	AttemptRunning   AttemptState = iota // Lock pass in progress
	AttemptPrepared                      // Voted PREPARE_OK, waiting for the decision
	AttemptCommitted                     // COMMIT applied
	AttemptAborted                       // ABORT applied or decided locally
)

func (s AttemptState) String() string {
	switch s {
	case AttemptRunning:
		return "RUNNING"
	case AttemptPrepared:
		return "PREPARED"
	case AttemptCommitted:
		return "COMMITTED"
	case AttemptAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Unassigned is the value of a variable that no committed transaction wrote.
const Unassigned int64 = -1

// NumVariables is the size of the variable id space, one id per byte value.
const NumVariables = 256
