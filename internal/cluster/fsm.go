// Package cluster provides a Raft-replicated listening session: the leader's
// playback position is mirrored by every follower.
package cluster

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/agleyzer/lessonplayer/internal/player"
)

func init() {
	// Register types for gob encoding/decoding
	gob.Register(SetPositionCommand{})
	gob.Register(InitializeCommand{})
}

// Position is the shared state across all cluster nodes.
type Position struct {
	// Book and Chapter identify the playlist being listened to.
	Book    string
	Chapter string
	// Length is the number of segments in the playlist.
	Length int
	// Index is the current segment index.
	Index int
	// Status is the leader's playback status.
	Status player.Status
	// Sequence is bumped by every applied position change.
	Sequence uint64
}

// CommandType identifies the type of Raft command.
type CommandType uint8

const (
	// CommandSetPosition moves the shared position.
	CommandSetPosition CommandType = 1
	// CommandInitialize initializes the FSM state.
	CommandInitialize CommandType = 2
)

// Command represents a Raft log command.
type Command struct {
	Type CommandType
	Data any
}

// SetPositionCommand sets the current index and status.
type SetPositionCommand struct {
	Index  int
	Status player.Status
}

// InitializeCommand sets the initial state.
type InitializeCommand struct {
	State Position
}

// PositionFSM implements the raft.FSM interface for the listening position.
type PositionFSM struct {
	mu       sync.RWMutex
	state    Position
	onChange func(Position)
	logger   *slog.Logger
}

// NewPositionFSM creates a new PositionFSM.
func NewPositionFSM(logger *slog.Logger) *PositionFSM {
	return &PositionFSM{logger: logger}
}

// SetOnChange registers fn to be called after every applied command.
func (f *PositionFSM) SetOnChange(fn func(Position)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onChange = fn
}

// Apply applies a Raft log entry to the FSM.
func (f *PositionFSM) Apply(log *raft.Log) any {
	var cmd Command
	if err := gob.NewDecoder(bytes.NewReader(log.Data)).Decode(&cmd); err != nil {
		f.logger.Error("failed to decode command", "error", err)
		return fmt.Errorf("decode command: %w", err)
	}

	f.mu.Lock()
	var result any
	switch cmd.Type {
	case CommandSetPosition:
		result = f.applySetPosition(cmd.Data)
	case CommandInitialize:
		result = f.applyInitialize(cmd.Data)
	default:
		f.logger.Error("unknown command type", "type", cmd.Type)
		result = fmt.Errorf("unknown command type: %d", cmd.Type)
	}
	state, onChange := f.state, f.onChange
	f.mu.Unlock()

	if _, failed := result.(error); !failed && onChange != nil {
		onChange(state)
	}

	return result
}

// applySetPosition moves the position. Caller must hold f.mu.
func (f *PositionFSM) applySetPosition(data any) any {
	setCmd, ok := data.(SetPositionCommand)
	if !ok {
		return fmt.Errorf("invalid set position command data")
	}

	if setCmd.Index < 0 || (f.state.Length > 0 && setCmd.Index >= f.state.Length) {
		return fmt.Errorf("index %d out of range (0-%d)", setCmd.Index, f.state.Length-1)
	}

	f.state.Index = setCmd.Index
	f.state.Status = setCmd.Status
	f.state.Sequence++

	f.logger.Debug("position changed", "index", f.state.Index, "status", f.state.Status, "sequence", f.state.Sequence)
	return nil
}

// applyInitialize sets the initial FSM state. Caller must hold f.mu.
func (f *PositionFSM) applyInitialize(data any) any {
	initCmd, ok := data.(InitializeCommand)
	if !ok {
		return fmt.Errorf("invalid initialize command data")
	}

	f.state = initCmd.State
	f.logger.Info("initialized FSM state", "book", f.state.Book, "chapter", f.state.Chapter, "length", f.state.Length)
	return nil
}

// Snapshot returns an FSMSnapshot for creating a point-in-time snapshot.
func (f *PositionFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return &fsmSnapshot{state: f.state}, nil
}

// Restore restores the FSM state from a snapshot.
func (f *PositionFSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	var state Position
	if err := gob.NewDecoder(snapshot).Decode(&state); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	f.state = state
	f.mu.Unlock()

	f.logger.Info("restored FSM state from snapshot", "book", state.Book, "chapter", state.Chapter, "index", state.Index)
	return nil
}

// GetState returns a copy of the current FSM state.
func (f *PositionFSM) GetState() Position {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

// fsmSnapshot implements raft.FSMSnapshot.
type fsmSnapshot struct {
	state Position
}

// Persist writes the snapshot to the given sink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s.state); err != nil {
		sink.Cancel()
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if _, err := sink.Write(buf.Bytes()); err != nil {
		sink.Cancel()
		return fmt.Errorf("write snapshot: %w", err)
	}

	return sink.Close()
}

// Release releases any resources held by the snapshot.
func (s *fsmSnapshot) Release() {}

// EncodeCommand encodes a command for Raft submission.
func EncodeCommand(cmd Command) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cmd); err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	return buf.Bytes(), nil
}
