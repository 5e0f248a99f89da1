package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pulsechat/filecore/internal/cleanup"
	"github.com/pulsechat/filecore/internal/logger"
	"github.com/pulsechat/filecore/internal/metrics"
	"github.com/pulsechat/filecore/pkg/chunks"
	"github.com/pulsechat/filecore/pkg/filestore"
	"github.com/pulsechat/filecore/pkg/token"
	"github.com/pulsechat/filecore/pkg/validate"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxInflight bounds concurrently processed messages per socket, so a
	// client blasting chunks gets a bounded worker pool instead of an
	// unbounded goroutine fan-out.
	maxInflight = 8

	// cancelTimeout bounds the session cancellations run on disconnect.
	cancelTimeout = 10 * time.Second
)

// conn is one live upload-channel socket.
type conn struct {
	hub    *Hub
	ws     *websocket.Conn
	userID string

	// send is the outbound queue; writePump drains it. Closed by the hub
	// on unregister.
	send chan []byte

	// ctx is cancelled when the socket disconnects, aborting in-flight
	// operations.
	ctx    context.Context
	cancel context.CancelFunc

	sem chan struct{}

	mu       sync.Mutex
	sessions map[string]bool // session ids this socket initiated
	inflight sync.WaitGroup
}

func newConn(h *Hub, sock *websocket.Conn, userID string) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		hub:      h,
		ws:       sock,
		userID:   userID,
		send:     make(chan []byte, 32),
		ctx:      ctx,
		cancel:   cancel,
		sem:      make(chan struct{}, maxInflight),
		sessions: make(map[string]bool),
	}
}

func (c *conn) trackSession(id string) {
	c.mu.Lock()
	c.sessions[id] = true
	c.mu.Unlock()
}

func (c *conn) untrackSession(id string) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
}

func (c *conn) trackedSessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		out = append(out, id)
	}
	return out
}

// readPump reads client messages until the socket drops, dispatching each
// into the bounded worker pool. Multiple chunks for one session process in
// parallel; acks carry session_id and chunk_index for correlation.
func (c *conn) readPump() {
	defer c.disconnect()

	// A chunk arrives base64-encoded inside a JSON envelope; allow for the
	// 4/3 expansion plus headroom for the other fields.
	c.ws.SetReadLimit(c.hub.deps.Sessions.ChunkSize()*2 + 16*1024)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("upload channel read error", "user_id", c.userID, "err", err)
			}
			return
		}

		select {
		case c.sem <- struct{}{}:
		case <-c.ctx.Done():
			return
		}
		c.inflight.Add(1)
		go func(raw []byte) {
			defer func() { <-c.sem; c.inflight.Done() }()
			c.handle(raw)
		}(raw)
	}
}

// writePump drains the send queue and keeps the peer alive with pings.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// disconnect cancels every session this socket initiated that has not
// reached a terminal state, then unregisters.
func (c *conn) disconnect() {
	c.cancel()
	c.inflight.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()
	for _, id := range c.trackedSessions() {
		if err := c.hub.deps.Sessions.Cancel(ctx, id, c.userID); err != nil {
			logger.Warn("disconnect session cancel failed",
				"session_id", id, "user_id", c.userID, "err", err)
		}
	}

	select {
	case c.hub.unregister <- c:
	case <-c.hub.done:
		// The hub already shut down and closed our send queue.
	}
	logger.Info("upload channel disconnected", "user_id", c.userID)
}

// handle dispatches one inbound message.
func (c *conn) handle(raw []byte) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendError(&msg, "malformed message: "+err.Error())
		return
	}

	switch msg.Type {
	case TypeInitiateUpload:
		c.handleInitiate(&msg)
	case TypeUploadChunk:
		c.handleChunk(&msg)
	case TypeCompleteUpload:
		c.handleComplete(&msg)
	case TypeCancelUpload:
		c.handleCancel(&msg)
	case TypeGetProgress:
		c.handleGetProgress(&msg)
	case TypeUploadSmallFile:
		c.handleSmallFile(&msg)
	default:
		c.sendError(&msg, "unknown message type: "+msg.Type)
	}
}

func (c *conn) handleInitiate(msg *inbound) {
	sess, err := c.hub.deps.Sessions.Initiate(c.ctx, msg.FileName, msg.MimeType, msg.FileSize, c.userID)
	if err != nil {
		metrics.ChunkOpsTotal.WithLabelValues("initiate", "error").Inc()
		c.sendError(msg, err.Error())
		return
	}
	metrics.ChunkOpsTotal.WithLabelValues("initiate", "ok").Inc()

	c.trackSession(sess.ID)
	c.hub.sendEvent(c, &event{
		Type:        EventUploadInitiated,
		UploadID:    msg.UploadID,
		SessionID:   sess.ID,
		TotalChunks: sess.TotalChunks,
		ChunkSize:   sess.ChunkSize,
	})
}

func (c *conn) handleChunk(msg *inbound) {
	if msg.SessionID == "" || msg.ChunkIndex == nil {
		c.sendError(msg, "upload_chunk requires session_id and chunk_index")
		return
	}
	data, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		c.sendError(msg, "chunk data is not valid base64")
		return
	}

	progress, err := c.hub.deps.Sessions.UploadChunk(
		c.ctx, msg.SessionID, *msg.ChunkIndex, data, msg.ChunkHash, c.userID)
	if err != nil {
		metrics.ChunkOpsTotal.WithLabelValues("upload", "error").Inc()
		c.sendError(msg, err.Error())
		return
	}
	metrics.ChunkOpsTotal.WithLabelValues("upload", "ok").Inc()

	// Ack to the originating socket, correlated by session and index.
	c.hub.sendEvent(c, &event{
		Type:            EventChunkUploaded,
		UploadID:        msg.UploadID,
		SessionID:       msg.SessionID,
		ChunkIndex:      msg.ChunkIndex,
		Percent:         intPtr(progress.Percent),
		CompletedChunks: intPtr(progress.Completed),
		Status:          string(progress.Status),
	})

	// Progress to the user's other devices; best-effort, monotonic.
	c.hub.fanoutEvent(c.userID, c, progress.Percent, &event{
		Type:      EventUploadProgress,
		UploadID:  msg.UploadID,
		SessionID: msg.SessionID,
		Percent:   intPtr(progress.Percent),
		Status:    string(progress.Status),
	})
}

func (c *conn) handleComplete(msg *inbound) {
	if msg.SessionID == "" {
		c.sendError(msg, "complete_upload requires session_id")
		return
	}

	result, err := c.hub.deps.Sessions.Complete(c.ctx, msg.SessionID, msg.FileHash, c.userID)
	if err != nil {
		metrics.ChunkOpsTotal.WithLabelValues("complete", "error").Inc()
		var incomplete *chunks.IncompleteError
		if errors.As(err, &incomplete) {
			c.hub.sendEvent(c, &event{
				Type:      EventUploadError,
				UploadID:  msg.UploadID,
				SessionID: msg.SessionID,
				Error:     err.Error(),
				Progress:  &chunks.Progress{SessionID: msg.SessionID, Failed: incomplete.Missing},
			})
			return
		}
		c.sendError(msg, err.Error())
		return
	}
	metrics.ChunkOpsTotal.WithLabelValues("complete", "ok").Inc()
	metrics.UploadsTotal.WithLabelValues("chunked", "ok").Inc()
	metrics.UploadBytes.Observe(float64(result.Record.Size))
	if !result.IsNew {
		metrics.DedupHitsTotal.Inc()
	}

	c.untrackSession(msg.SessionID)
	c.finishUpload(msg, msg.SessionID, result.Record.ID, result)
}

func (c *conn) handleCancel(msg *inbound) {
	if msg.SessionID == "" {
		c.sendError(msg, "cancel_upload requires session_id")
		return
	}
	if err := c.hub.deps.Sessions.Cancel(c.ctx, msg.SessionID, c.userID); err != nil {
		metrics.ChunkOpsTotal.WithLabelValues("cancel", "error").Inc()
		c.sendError(msg, err.Error())
		return
	}
	metrics.ChunkOpsTotal.WithLabelValues("cancel", "ok").Inc()

	c.untrackSession(msg.SessionID)
	c.hub.fanoutEvent(c.userID, nil, -1, &event{
		Type:      EventUploadCancelled,
		UploadID:  msg.UploadID,
		SessionID: msg.SessionID,
	})
}

func (c *conn) handleGetProgress(msg *inbound) {
	if msg.SessionID == "" {
		c.sendError(msg, "get_progress requires session_id")
		return
	}
	progress, err := c.hub.deps.Sessions.Progress(c.ctx, msg.SessionID, c.userID)
	if err != nil {
		c.sendError(msg, err.Error())
		return
	}
	c.hub.sendEvent(c, &event{
		Type:      EventProgressResponse,
		UploadID:  msg.UploadID,
		SessionID: msg.SessionID,
		Progress:  progress,
	})
}

func (c *conn) handleSmallFile(msg *inbound) {
	data, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		c.sendError(msg, "file data is not valid base64")
		return
	}
	if int64(len(data)) != msg.FileSize {
		c.sendError(msg, "payload size does not match the declared file_size")
		return
	}

	mime := msg.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}
	result, err := c.hub.deps.Files.Upload(c.ctx, msg.FileName, mime, data, c.userID)
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("ws", outcomeLabel(err)).Inc()
		c.sendError(msg, err.Error())
		return
	}
	metrics.UploadsTotal.WithLabelValues("ws", "ok").Inc()
	metrics.UploadBytes.Observe(float64(len(data)))
	if !result.IsNew {
		metrics.DedupHitsTotal.Inc()
	}

	c.finishUpload(msg, "", result.Record.ID, result)
}

// finishUpload emits the terminal events shared by the chunked and
// small-file paths: upload_completed to the originating socket, then a
// file_uploaded fanout to every socket of the user.
func (c *conn) finishUpload(msg *inbound, sessionID, fileID string, result *filestore.Result) {
	completed := &event{
		Type:      EventUploadCompleted,
		UploadID:  msg.UploadID,
		SessionID: sessionID,
		File:      result.Record,
		IsNew:     boolPtr(result.IsNew),
	}

	binding, err := c.hub.deps.Tokens.Issue(c.ctx, fileID, c.userID, token.Options{})
	if err != nil {
		logger.Warn("post-upload token mint failed", "file_id", fileID, "err", err)
	} else {
		completed.DownloadToken = binding.Token
		completed.DownloadURL = "/files/download/" + fileID + "?token=" + binding.Token
	}

	c.hub.sendEvent(c, completed)
	c.hub.fanoutEvent(c.userID, nil, -1, &event{
		Type:      EventFileUploaded,
		SessionID: sessionID,
		File:      result.Record,
		IsNew:     boolPtr(result.IsNew),
	})

	if c.hub.deps.KV != nil {
		err := cleanup.Enqueue(c.ctx, c.hub.deps.KV, cleanup.PriorityNormal, &cleanup.Notification{
			Kind:   EventFileUploaded,
			UserID: c.userID,
			FileID: fileID,
		})
		if err != nil {
			logger.Warn("upload notification enqueue failed", "file_id", fileID, "err", err)
		}
	}
}

func (c *conn) sendError(msg *inbound, detail string) {
	c.hub.sendEvent(c, &event{
		Type:      EventUploadError,
		UploadID:  msg.UploadID,
		SessionID: msg.SessionID,
		Error:     detail,
	})
}

func outcomeLabel(err error) string {
	var verr *validate.Error
	if errors.As(err, &verr) {
		return "rejected"
	}
	return "error"
}
