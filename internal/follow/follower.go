// Package follow keeps a local JSON replica of one board up to date by
// polling a boardsync server for deltas.
package follow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentworkforce/boardsync/internal/boardsync"
	log "github.com/sirupsen/logrus"
)

type Options struct {
	BoardID   string
	Backlog   bool
	StateFile string
	Logger    log.FieldLogger
}

// SyncResult reports what one SyncOnce did.
type SyncResult struct {
	Version uint64
	// Full is set when the replica was replaced by a full fetch.
	Full    bool
	Changes int
}

type Follower struct {
	client    RemoteClient
	boardID   string
	backlog   bool
	stateFile string
	logger    log.FieldLogger
	state     replicaState
	loaded    bool
}

type replicaState struct {
	Board *boardsync.BoardSnapshot `json:"board,omitempty"`
}

func NewFollower(client RemoteClient, opts Options) (*Follower, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	boardID := strings.TrimSpace(opts.BoardID)
	if boardID == "" {
		return nil, fmt.Errorf("board id is required")
	}
	stateFile := strings.TrimSpace(opts.StateFile)
	if stateFile == "" {
		return nil, fmt.Errorf("state file is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Follower{
		client:    client,
		boardID:   boardID,
		backlog:   opts.Backlog,
		stateFile: filepath.Clean(stateFile),
		logger:    logger.WithField("board", boardID),
	}, nil
}

// Board returns a copy of the replica, or false before the first sync.
func (f *Follower) Board() (boardsync.BoardSnapshot, bool) {
	if f.state.Board == nil {
		return boardsync.BoardSnapshot{}, false
	}
	data, err := json.Marshal(f.state.Board)
	if err != nil {
		return boardsync.BoardSnapshot{}, false
	}
	var out boardsync.BoardSnapshot
	if err := json.Unmarshal(data, &out); err != nil {
		return boardsync.BoardSnapshot{}, false
	}
	return out, true
}

// SyncOnce brings the replica to the server's current version. A replica the
// server's delta log no longer reaches is replaced by the full board. The
// state file is rewritten only when the replica changed.
func (f *Follower) SyncOnce(ctx context.Context) (SyncResult, error) {
	if err := f.loadState(); err != nil {
		return SyncResult{}, err
	}
	if f.state.Board == nil {
		return f.pullFull(ctx)
	}

	current := f.state.Board
	delta, err := f.client.GetChanges(ctx, f.boardID, current.Version, f.backlog)
	if err != nil {
		return SyncResult{}, err
	}
	if delta.Stale {
		f.logger.WithField("version", current.Version).Info("replica fell behind the delta log, fetching full board")
		return f.pullFull(ctx)
	}
	if delta.Version == current.Version {
		return SyncResult{Version: current.Version}, nil
	}
	// Apply rejects a mismatched delta before touching the replica.
	if !current.Apply(delta) {
		f.logger.WithFields(log.Fields{"since": delta.Since, "version": current.Version}).Warn("delta does not line up with replica, fetching full board")
		return f.pullFull(ctx)
	}
	if err := f.saveState(); err != nil {
		return SyncResult{}, err
	}
	f.logger.WithFields(log.Fields{"version": current.Version, "changes": len(delta.Changes)}).Debug("replica updated")
	return SyncResult{Version: current.Version, Changes: len(delta.Changes)}, nil
}

func (f *Follower) pullFull(ctx context.Context) (SyncResult, error) {
	board, err := f.client.GetBoard(ctx, f.boardID, f.backlog)
	if err != nil {
		return SyncResult{}, err
	}
	f.state.Board = &board
	if err := f.saveState(); err != nil {
		return SyncResult{}, err
	}
	f.logger.WithFields(log.Fields{"version": board.Version, "items": len(board.Items)}).Info("replica replaced with full board")
	return SyncResult{Version: board.Version, Full: true, Changes: len(board.Items)}, nil
}

func (f *Follower) loadState() error {
	if f.loaded {
		return nil
	}
	f.loaded = true
	data, err := os.ReadFile(f.stateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var state replicaState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	// A replica of another board or view is discarded.
	if state.Board != nil && (state.Board.BoardID != f.boardID || state.Board.Backlog != f.backlog) {
		f.logger.Warn("state file holds a different board, starting over")
		state.Board = nil
	}
	f.state = state
	return nil
}

func (f *Follower) saveState() error {
	data, err := json.Marshal(f.state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.stateFile), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(f.stateFile, data, 0o644)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
