package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"canvas-sync/internal/model"
)

// 게이트웨이에 봇 사용자를 붙여 동기화 수렴을 확인하는 부하 도구.
// 봇마다 도형을 만들고 드래그하면서 커서를 흘리고, 끝난 뒤 모든
// 봇이 같은 스냅샷을 보는지 비교한다.
func main() {
	server := flag.String("server", "http://localhost:8080", "gateway base URL")
	users := flag.Int("users", 4, "number of bot users")
	shapes := flag.Int("shapes", 2, "shapes each bot creates")
	drags := flag.Int("drags", 5, "drag gestures each bot performs")
	canvasID := flag.String("canvas", "", "join an existing canvas instead of creating one")
	settle := flag.Duration("settle", 2*time.Second, "wait after the last gesture before comparing")
	flag.Parse()

	id := *canvasID
	if id == "" {
		var err error
		id, err = createCanvas(*server)
		if err != nil {
			log.Fatal("❌ Failed to create canvas:", err)
		}
		log.Printf("✅ Created canvas %s", id)
	}

	log.Printf("🚀 Simulating %d users on canvas %s", *users, id)

	bots := make([]*bot, *users)
	var wg sync.WaitGroup
	for i := range bots {
		bots[i] = newBot(fmt.Sprintf("sim-bot-%d", i))
		wg.Add(1)
		go func(b *bot) {
			defer wg.Done()
			if err := b.run(*server, id, *shapes, *drags); err != nil {
				b.fail(err)
			}
		}(bots[i])
	}
	wg.Wait()

	// 마지막 제스처의 스냅샷이 전 봇에 퍼질 시간을 준다.
	time.Sleep(*settle)

	fmt.Println()
	diverged := false
	var reference string
	var seen int
	for i, b := range bots {
		b.close()
		fingerprint, count := b.fingerprint()
		fmt.Printf("📈 %s: %d snapshots, %d cursor frames, %d shapes seen, %d errors\n",
			b.userID, b.snapshots, b.cursorFrames, count, len(b.errors))
		for _, e := range b.errors {
			fmt.Printf("   ⚠️ %s\n", e)
		}
		if i == 0 {
			reference = fingerprint
			seen = count
		} else if fingerprint != reference {
			diverged = true
		}
	}

	fmt.Println()
	if diverged {
		log.Fatal("❌ Divergence detected: bots disagree on the final shape set")
	}
	fmt.Printf("✅ Converged: all %d bots see the same %d shapes\n", *users, seen)
}

func createCanvas(server string) (string, error) {
	body, _ := json.Marshal(map[string]string{
		"name":    "simulate " + time.Now().Format("15:04:05"),
		"ownerId": "sim-owner",
	})
	resp, err := http.Post(server+"/api/canvases/", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.ID, nil
}

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type bot struct {
	userID string

	conn    *websocket.Conn
	writeMu sync.Mutex

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}

	mu           sync.Mutex
	snapshots    int
	cursorFrames int
	lastShapeIDs []string
	errors       []string
}

func newBot(userID string) *bot {
	return &bot{
		userID: userID,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (b *bot) run(server, canvasID string, shapes, drags int) error {
	ticket, err := b.join(server, canvasID)
	if err != nil {
		return fmt.Errorf("join: %w", err)
	}

	wsURL, err := wsEndpoint(server, canvasID, ticket)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	b.conn = conn
	go b.readLoop()

	select {
	case <-b.ready:
	case <-time.After(10 * time.Second):
		return fmt.Errorf("no ready frame within 10s")
	}
	log.Printf("[%s] connected", b.userID)

	// 봇이 직접 id를 정해 두면 어느 도형을 끌지 고민할 필요가 없다.
	ids := make([]string, shapes)
	for i := range ids {
		ids[i] = uuid.New().String()
		shape := model.Shape{
			ID:   ids[i],
			X:    rand.Float64() * 800,
			Y:    rand.Float64() * 600,
			Fill: "#4f46e5",
			Geometry: model.RectangleGeometry{
				Width:  100,
				Height: 80,
			},
		}
		if err := b.send("create", shape); err != nil {
			return err
		}
		time.Sleep(50 * time.Millisecond)
	}

	for d := 0; d < drags; d++ {
		target := ids[rand.Intn(len(ids))]
		x := rand.Float64() * 800
		y := rand.Float64() * 600
		if err := b.send("drag_start", map[string]any{
			"screen": map[string]float64{"x": x, "y": y},
			"ids":    []string{target},
		}); err != nil {
			return err
		}
		for step := 0; step < 8; step++ {
			x += rand.Float64()*40 - 20
			y += rand.Float64()*40 - 20
			if err := b.send("drag_move", map[string]any{
				"screen": map[string]float64{"x": x, "y": y},
			}); err != nil {
				return err
			}
			if err := b.send("cursor", model.Cursor{X: x, Y: y}); err != nil {
				return err
			}
			time.Sleep(30 * time.Millisecond)
		}
		if err := b.send("drag_end", nil); err != nil {
			return err
		}
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
	return nil
}

func (b *bot) join(server, canvasID string) (string, error) {
	body, _ := json.Marshal(map[string]string{
		"userId":      b.userID,
		"displayName": strings.ReplaceAll(b.userID, "-", " "),
	})
	resp, err := http.Post(server+"/api/canvases/"+canvasID+"/join", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	var out struct {
		Ticket string `json:"ticket"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Ticket, nil
}

func (b *bot) readLoop() {
	defer close(b.done)
	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg envelope
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "ready":
			b.readyOnce.Do(func() { close(b.ready) })
		case "snapshot":
			var p struct {
				Shapes []model.Shape `json:"shapes"`
			}
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				continue
			}
			ids := make([]string, len(p.Shapes))
			for i, s := range p.Shapes {
				ids[i] = s.ID
			}
			b.mu.Lock()
			b.snapshots++
			b.lastShapeIDs = ids
			b.mu.Unlock()
		case "cursors":
			b.mu.Lock()
			b.cursorFrames++
			b.mu.Unlock()
		case "error":
			b.mu.Lock()
			b.errors = append(b.errors, string(msg.Payload))
			b.mu.Unlock()
		}
	}
}

func (b *bot) send(msgType string, payload any) error {
	frame := map[string]any{"type": msgType}
	if payload != nil {
		frame["payload"] = payload
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.conn.WriteMessage(websocket.TextMessage, data)
}

func (b *bot) fail(err error) {
	log.Printf("[%s] ❌ %v", b.userID, err)
	b.mu.Lock()
	b.errors = append(b.errors, err.Error())
	b.mu.Unlock()
}

// fingerprint 마지막 스냅샷의 도형 id 집합을 정렬해 비교 가능한 문자열로
func (b *bot) fingerprint() (string, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := append([]string(nil), b.lastShapeIDs...)
	sort.Strings(ids)
	return strings.Join(ids, ","), len(ids)
}

func (b *bot) close() {
	if b.conn == nil {
		return
	}
	b.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	b.conn.Close()
	select {
	case <-b.done:
	case <-time.After(2 * time.Second):
	}
}

func wsEndpoint(server, canvasID, ticket string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("bad server URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws/canvas/" + canvasID
	u.RawQuery = "ticket=" + url.QueryEscape(ticket)
	return u.String(), nil
}
