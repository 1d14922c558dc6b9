package transport

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/taskexec/evaluator/internal/execdag"
	"github.com/taskexec/evaluator/internal/execid"
	"github.com/taskexec/evaluator/internal/store"
)

// Kind discriminates the tagged-sum message types carried inside an
// Envelope. CBOR has no native sum type, so the wire encoding is an
// Envelope{Kind, Payload} pair where Payload is the CBOR encoding of the
// Go struct matching Kind — the same discriminated-union shape the
// original's message enum expressed natively.
type Kind uint8

const (
	KindEvaluate Kind = iota + 1
	KindAskFile
	KindProvideFileBegin
	KindNotifyStart
	KindNotifyDone
	KindNotifySkip
	KindStatus
	KindError
	KindDone
	KindWorkOn
	KindWorkerResult
	KindAuthenticate
)

func (k Kind) String() string {
	switch k {
	case KindEvaluate:
		return "Evaluate"
	case KindAskFile:
		return "AskFile"
	case KindProvideFileBegin:
		return "ProvideFileBegin"
	case KindNotifyStart:
		return "NotifyStart"
	case KindNotifyDone:
		return "NotifyDone"
	case KindNotifySkip:
		return "NotifySkip"
	case KindStatus:
		return "Status"
	case KindError:
		return "Error"
	case KindDone:
		return "Done"
	case KindWorkOn:
		return "WorkOn"
	case KindWorkerResult:
		return "WorkerResult"
	case KindAuthenticate:
		return "Authenticate"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// Envelope is the wire-level frame of every control message.
type Envelope struct {
	Kind    Kind
	Payload cbor.RawMessage
}

// Evaluate is sent client->coordinator to start an evaluation.
type Evaluate struct {
	Data      execdag.ExecutionDAGData
	Callbacks execdag.ExecutionDAGCallbacks
}

// AskFile is sent coordinator->client when a ProvidedFile's key is not
// already present in the store: the coordinator needs the bytes.
type AskFile struct {
	FileUUID execid.FileUuid
}

// ProvideFileBegin precedes the raw chunk stream (see blob.go) a peer
// sends in response to AskFile, or a worker sends to upload an output.
type ProvideFileBegin struct {
	FileUUID execid.FileUuid
	Key      store.FileStoreKey
	Size     int64
}

// NotifyStart is sent coordinator->client when an execution is dispatched.
type NotifyStart struct {
	ExecutionUUID execid.ExecutionUuid
	Worker        string
}

// NotifyDone is sent coordinator->client when a WorkerResult arrives.
type NotifyDone struct {
	ExecutionUUID execid.ExecutionUuid
	Result        execdag.WorkerResult
}

// NotifySkip is sent coordinator->client when an execution is skipped.
type NotifySkip struct {
	ExecutionUUID execid.ExecutionUuid
}

// Status carries a periodic progress snapshot; the client is free to
// ignore it.
type Status struct {
	Snapshot StatusSnapshot
}

// Error is sent coordinator->client when the evaluation cannot continue
// (e.g. DAG validation failed).
type Error struct {
	Message string
}

// Done marks the end of an evaluation: every execution has reached
// Done or Skipped.
type Done struct{}

// WorkOn is sent coordinator->worker to dispatch one execution, along
// with the keys of every input file (already-resolved, since the
// coordinator only dispatches once dependencies are satisfied).
type WorkOn struct {
	Execution execdag.Execution
	InputKeys map[string]store.FileStoreKey // sandbox filename -> key
}

// WorkerResultMsg is sent worker->coordinator once an execution finishes.
type WorkerResultMsg struct {
	Result     execdag.WorkerResult
	OutputKeys map[string]store.FileStoreKey // sandbox filename -> key
}

// Authenticate is the first message the dialing peer (a client or a
// worker) sends after the encrypted channel is established; the
// coordinator sends none. It proves both ends derived the same
// key (the AEAD handshake already does this implicitly; Authenticate
// additionally carries the peer's self-reported role/ID for logging).
type Authenticate struct {
	Role string // "client" or "worker"
	ID   string
}

// Encode wraps payload in an Envelope tagged with kind and CBOR-encodes
// the whole thing.
func Encode(kind Kind, payload any) ([]byte, error) {
	raw, err := cbor.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("transport: encode %s payload: %w", kind, err)
	}
	return cbor.Marshal(Envelope{Kind: kind, Payload: raw})
}

// DecodeEnvelope unwraps the Kind without decoding the payload, so the
// caller can dispatch to the right concrete type.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("transport: decode envelope: %w", err)
	}
	return env, nil
}

// DecodePayload decodes env's payload into dst, which must be a pointer
// to the struct matching env.Kind.
func DecodePayload(env Envelope, dst any) error {
	if err := cbor.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("transport: decode %s payload: %w", env.Kind, err)
	}
	return nil
}

// StatusSnapshot is a periodic progress report: per-execution status
// counts and a minimal per-worker busy/idle view, grounded on task-maker-rust's UIMessage and
// WorkerCurrentJobStatus.
type StatusSnapshot struct {
	Ready    int
	Running  int
	Done     int
	Skipped  int
	Failed   int
	Workers  []WorkerStatus
}

// WorkerStatus is one worker's entry in a StatusSnapshot.
type WorkerStatus struct {
	ID      string
	Busy    bool
	Current execid.ExecutionUuid
}
