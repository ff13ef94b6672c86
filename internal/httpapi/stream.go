package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/agentworkforce/boardsync/internal/boardsync"
	log "github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	streamTypeSnapshot = "snapshot"
	streamTypeDelta    = "delta"
)

// streamMessage is one websocket frame. A snapshot replaces the client's
// board; a delta is folded onto a board at Delta.Since.
type streamMessage struct {
	Type    string                   `json:"type"`
	BoardID string                   `json:"boardId"`
	Version uint64                   `json:"version"`
	Board   *boardsync.BoardSnapshot `json:"board,omitempty"`
	Delta   *boardsync.DeltaResult   `json:"delta,omitempty"`
}

type streamSubscriber struct {
	boardID string
	events  chan boardsync.DeltaEvent
	slow    chan struct{}
	once    sync.Once
}

func (sub *streamSubscriber) overflow() {
	sub.once.Do(func() { close(sub.slow) })
}

// streamHub fans store commits out to websocket subscribers. It never blocks
// the store: a subscriber whose buffer is full is cut off.
type streamHub struct {
	mu     sync.Mutex
	buffer int
	subs   map[string]map[*streamSubscriber]struct{}
}

func newStreamHub(buffer int) *streamHub {
	return &streamHub{buffer: buffer, subs: map[string]map[*streamSubscriber]struct{}{}}
}

func (h *streamHub) BoardChanged(ev boardsync.DeltaEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[ev.BoardID] {
		select {
		case sub.events <- ev:
		default:
			sub.overflow()
			h.removeLocked(sub)
		}
	}
}

func (h *streamHub) subscribe(boardID string) *streamSubscriber {
	sub := &streamSubscriber{
		boardID: boardID,
		events:  make(chan boardsync.DeltaEvent, h.buffer),
		slow:    make(chan struct{}),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[boardID] == nil {
		h.subs[boardID] = map[*streamSubscriber]struct{}{}
	}
	h.subs[boardID][sub] = struct{}{}
	return sub
}

func (h *streamHub) unsubscribe(sub *streamSubscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

func (h *streamHub) removeLocked(sub *streamSubscriber) {
	board := h.subs[sub.boardID]
	delete(board, sub)
	if len(board) == 0 {
		delete(h.subs, sub.boardID)
	}
}

func (h *streamHub) subscribers(boardID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[boardID])
}

// handleStream pushes the board to a websocket client. The first frame is a
// delta from ?since= when the log still covers it, otherwise a snapshot.
// Every later frame moves the client from the version it last received.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, boardID, correlationID string) {
	query := r.URL.Query()
	backlog, err := parseOptionalBool(query.Get("backlog"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid backlog parameter", correlationID)
		return
	}
	var since *uint64
	if raw := strings.TrimSpace(query.Get("since")); raw != "" {
		v, err := parseVersion(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "since must be a non-negative version", correlationID)
			return
		}
		since = &v
	}

	// Subscribe before reading the board so no commit falls in between.
	sub := s.hub.subscribe(boardID)
	defer s.hub.unsubscribe(sub)

	snap, err := s.engine.GetBoard(r.Context(), boardID, backlog)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.WithError(err).WithField("board", boardID).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")
	ctx := conn.CloseRead(r.Context())
	logger := s.logger.WithFields(log.Fields{"board": boardID, "correlation_id": correlationID})

	store := s.engine.Store()
	first := streamMessage{Type: streamTypeSnapshot, BoardID: boardID, Version: snap.Version, Board: &snap}
	if since != nil {
		if delta, err := store.ComputeDelta(boardID, *since, backlog); err == nil && !delta.Stale && delta.Since == *since {
			first = streamMessage{Type: streamTypeDelta, BoardID: boardID, Version: delta.Version, Delta: &delta}
		}
	}
	if err := s.writeStream(ctx, conn, first); err != nil {
		return
	}
	last := first.Version

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.slow:
			logger.Warn("stream subscriber too slow, disconnecting")
			conn.Close(websocket.StatusTryAgainLater, "subscriber too slow")
			return
		case ev := <-sub.events:
			if ev.Version <= last {
				continue
			}
			msg, err := s.nextStreamMessage(boardID, last, backlog, ev.Rebuilt)
			if errors.Is(err, boardsync.ErrNotFound) {
				conn.Close(websocket.StatusGoingAway, "board removed")
				return
			}
			if err != nil {
				logger.WithError(err).Warn("stream update failed")
				conn.Close(websocket.StatusInternalError, "stream update failed")
				return
			}
			if msg.Version == last && msg.Type == streamTypeDelta {
				continue
			}
			if err := s.writeStream(ctx, conn, msg); err != nil {
				return
			}
			last = msg.Version
		}
	}
}

func (s *Server) nextStreamMessage(boardID string, last uint64, backlog, rebuilt bool) (streamMessage, error) {
	store := s.engine.Store()
	if !rebuilt {
		delta, err := store.ComputeDelta(boardID, last, backlog)
		if err != nil {
			return streamMessage{}, err
		}
		if !delta.Stale {
			return streamMessage{Type: streamTypeDelta, BoardID: boardID, Version: delta.Version, Delta: &delta}, nil
		}
	}
	snap, err := store.Snapshot(boardID, backlog)
	if err != nil {
		return streamMessage{}, err
	}
	return streamMessage{Type: streamTypeSnapshot, BoardID: boardID, Version: snap.Version, Board: &snap}, nil
}

func (s *Server) writeStream(ctx context.Context, conn *websocket.Conn, msg streamMessage) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StreamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}

var _ boardsync.DeltaListener = (*streamHub)(nil)
