package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"golang.org/x/time/rate"

	"canvas-sync/internal/config"
	"canvas-sync/internal/cursor"
	"canvas-sync/internal/metrics"
	"canvas-sync/internal/model"
	"canvas-sync/internal/mutation"
	"canvas-sync/internal/objectsync"
	"canvas-sync/internal/presence"
	"canvas-sync/internal/session"
	"canvas-sync/internal/store"
)

// 단일 메시지 상한. 넘으면 에러 프레임으로 응답하고 버린다.
const maxMessageBytes = 512 * 1024

var (
	errTooLarge    = errors.New("message exceeds size limit")
	errBadEnvelope = errors.New("malformed message envelope")
	errBadPayload  = errors.New("malformed payload")
	errUnknownType = errors.New("unknown message type")
)

// CanvasWSHandler WebSocket 캔버스 동기화 핸들러
type CanvasWSHandler struct {
	stores store.Stores
	cfg    *config.Config
}

// NewCanvasWSHandler CanvasWSHandler 생성
func NewCanvasWSHandler(stores store.Stores, cfg *config.Config) *CanvasWSHandler {
	return &CanvasWSHandler{stores: stores, cfg: cfg}
}

// WSMessage WebSocket 메시지
type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type outMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// wsClient serializes writes: snapshots, presence and cursor frames all
// arrive from their own goroutines.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) send(msgType string, payload any) {
	raw, err := json.Marshal(outMessage{Type: msgType, Payload: payload})
	if err != nil {
		log.Printf("[WS] failed to encode %s frame: %v", msgType, err)
		return
	}
	c.mu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, raw)
	c.mu.Unlock()
	if err == nil {
		metrics.WSMessage(msgType, "out")
	}
}

type errorPayload struct {
	Op      string `json:"op,omitempty"`
	Message string `json:"message"`
}

func (c *wsClient) sendError(op string, err error) {
	c.send("error", errorPayload{Op: op, Message: err.Error()})
}

type readyPayload struct {
	SessionID   string         `json:"sessionId"`
	CanvasID    string         `json:"canvasId"`
	UserID      string         `json:"userId"`
	DisplayName string         `json:"displayName"`
	Viewport    model.Viewport `json:"viewport"`
}

type snapshotPayload struct {
	Shapes  []model.Shape `json:"shapes"`
	Added   []string      `json:"added,omitempty"`
	Updated []string      `json:"updated,omitempty"`
	Removed []string      `json:"removed,omitempty"`
}

type presencePayload struct {
	Peers []model.UserPresence `json:"peers"`
}

type cursorsPayload struct {
	Cursors []cursor.Position `json:"cursors"`
}

// HandleWebSocket 연결당 세션을 열고 {type, payload} 메시지를 처리
func (h *CanvasWSHandler) HandleWebSocket(c *websocket.Conn) {
	userID, ok1 := c.Locals("userId").(string)
	displayName, ok2 := c.Locals("displayName").(string)
	canvasID, ok3 := c.Locals("canvasId").(string)
	avatar, _ := c.Locals("avatar").(string)

	if !ok1 || !ok2 || !ok3 || userID == "" || canvasID == "" {
		c.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","payload":{"message":"invalid session"}}`))
		c.Close()
		return
	}

	client := &wsClient{conn: c}

	// 연결 컨텍스트. 핸들러가 죽으면 디스커넥트 훅이 정리를 맡는다.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessCfg := session.Config{
		WriteInterval:    h.cfg.Sync.WriteInterval,
		ViewportInterval: h.cfg.Sync.ViewportInterval,
		Presence: presence.Options{
			HeartbeatInterval:   h.cfg.Presence.HeartbeatInterval,
			Timeout:             h.cfg.Presence.Timeout,
			CursorWriteInterval: h.cfg.Presence.CursorWriteInterval,
			CursorMaxRate:       rate.Limit(h.cfg.Presence.CursorMaxRate),
			CursorBurst:         h.cfg.Presence.CursorBurst,
		},
		Cursor: cursor.Options{
			Speed:         h.cfg.Cursor.Speed,
			Epsilon:       h.cfg.Cursor.Epsilon,
			FrameInterval: h.cfg.Cursor.FrameInterval,
			OnFrame: func(frame []cursor.Position) {
				client.send("cursors", cursorsPayload{Cursors: frame})
			},
		},
	}

	sess, err := session.Open(ctx, h.stores, canvasID, presence.Identity{
		UserID:      userID,
		DisplayName: displayName,
		Avatar:      avatar,
	}, sessCfg)
	if err != nil {
		log.Printf("[WS] session open failed for user %s on canvas %s: %v", userID, canvasID, err)
		client.sendError("open", err)
		c.Close()
		return
	}
	defer sess.Close()

	log.Printf("[WS] user %s connected to canvas %s (session %s)", userID, canvasID, sess.ID)

	client.send("ready", readyPayload{
		SessionID:   sess.ID,
		CanvasID:    canvasID,
		UserID:      userID,
		DisplayName: displayName,
		Viewport:    sess.Viewport(),
	})

	// 도형 스냅샷 전달 (구독 즉시 현재 상태 1회 포함)
	snapUnsub := sess.OnSnapshot(func(snap objectsync.Snapshot) {
		client.send("snapshot", snapshotPayload{
			Shapes:  snap.Shapes,
			Added:   snap.Diff.Added,
			Updated: snap.Diff.Updated,
			Removed: snap.Diff.Removed,
		})
	})
	defer snapUnsub()

	// 참가자 목록 전달
	peersUnsub, err := sess.OnPeers(func(peers []model.UserPresence) {
		client.send("presence", presencePayload{Peers: peers})
	})
	if err != nil {
		log.Printf("[WS] presence subscribe failed for session %s: %v", sess.ID, err)
	} else {
		defer peersUnsub()
	}

	// 메시지 수신 루프
	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			break
		}

		if len(raw) > maxMessageBytes {
			client.sendError("", errTooLarge)
			continue
		}

		var msg WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			client.sendError("", errBadEnvelope)
			continue
		}

		metrics.WSMessage(msg.Type, "in")
		h.dispatch(ctx, sess, client, msg)
	}

	log.Printf("[WS] user %s left canvas %s after %v", userID, canvasID, sess.Duration())
}

// dispatch routes one inbound message. Failures become error frames;
// nothing here may kill the connection.
func (h *CanvasWSHandler) dispatch(ctx context.Context, sess *session.Session, client *wsClient, msg WSMessage) {
	switch msg.Type {
	case "create":
		var shape model.Shape
		if err := json.Unmarshal(msg.Payload, &shape); err != nil {
			client.sendError(msg.Type, errBadPayload)
			return
		}
		if _, err := sess.Engine().Create(ctx, shape); err != nil {
			client.sendError(msg.Type, err)
		}

	case "update":
		var p struct {
			ID    string      `json:"id"`
			Patch model.Patch `json:"patch"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.ID == "" {
			client.sendError(msg.Type, errBadPayload)
			return
		}
		if _, err := sess.Engine().Update(ctx, p.ID, p.Patch); err != nil {
			client.sendError(msg.Type, err)
		}

	case "batch_update":
		var p struct {
			Patches map[string]model.Patch `json:"patches"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil || len(p.Patches) == 0 {
			client.sendError(msg.Type, errBadPayload)
			return
		}
		if err := sess.Engine().BatchUpdate(ctx, p.Patches); err != nil {
			client.sendError(msg.Type, err)
		}

	case "delete":
		var p struct {
			IDs []string `json:"ids"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil || len(p.IDs) == 0 {
			client.sendError(msg.Type, errBadPayload)
			return
		}
		if err := sess.Engine().Delete(ctx, p.IDs...); err != nil {
			client.sendError(msg.Type, err)
		}

	case "duplicate":
		var p struct {
			IDs []string `json:"ids"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil || len(p.IDs) == 0 {
			client.sendError(msg.Type, errBadPayload)
			return
		}
		if _, err := sess.Engine().Duplicate(ctx, p.IDs...); err != nil {
			client.sendError(msg.Type, err)
		}

	case "reorder":
		var p struct {
			Op  string   `json:"op"`
			IDs []string `json:"ids"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil || len(p.IDs) == 0 {
			client.sendError(msg.Type, errBadPayload)
			return
		}
		if err := sess.Engine().Reorder(ctx, objectsync.ReorderOp(p.Op), p.IDs...); err != nil {
			client.sendError(msg.Type, err)
		}

	case "drag_start":
		var p struct {
			Screen mutation.Point `json:"screen"`
			IDs    []string       `json:"ids"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil || len(p.IDs) == 0 {
			client.sendError(msg.Type, errBadPayload)
			return
		}
		if err := sess.Gestures().BeginDrag(sess.Viewport(), p.Screen, p.IDs...); err != nil {
			client.sendError(msg.Type, err)
		}

	case "drag_move":
		var p struct {
			Screen mutation.Point `json:"screen"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			client.sendError(msg.Type, errBadPayload)
			return
		}
		sess.Gestures().MoveDrag(p.Screen)

	case "drag_end":
		if err := sess.Gestures().EndDrag(ctx); err != nil {
			client.sendError(msg.Type, err)
		}

	case "drag_cancel":
		sess.Gestures().CancelDrag()

	case "transform_start":
		var p struct {
			IDs []string `json:"ids"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil || len(p.IDs) == 0 {
			client.sendError(msg.Type, errBadPayload)
			return
		}
		if err := sess.Gestures().BeginTransform(p.IDs...); err != nil {
			client.sendError(msg.Type, err)
		}

	case "transform_move":
		var p mutation.Transform
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			client.sendError(msg.Type, errBadPayload)
			return
		}
		sess.Gestures().MoveTransform(p)

	case "transform_end":
		if err := sess.Gestures().EndTransform(ctx); err != nil {
			client.sendError(msg.Type, err)
		}

	case "transform_cancel":
		sess.Gestures().CancelTransform()

	case "cursor":
		var p model.Cursor
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			client.sendError(msg.Type, errBadPayload)
			return
		}
		sess.Presence().UpdateCursor(p)

	case "viewport":
		var p model.Viewport
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			client.sendError(msg.Type, errBadPayload)
			return
		}
		sess.SetViewport(p)

	case "permissions":
		var p model.Permissions
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			client.sendError(msg.Type, errBadPayload)
			return
		}
		if err := sess.SetPermissions(ctx, p); err != nil {
			client.sendError(msg.Type, err)
		}

	default:
		client.sendError(msg.Type, errUnknownType)
	}
}
