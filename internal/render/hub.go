// Package render bridges the coaching runtime to an external renderer over a
// websocket. Visualizer scale and mouth influences flow out as JSON frames;
// the renderer reports back when its model is ready.
package render

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/minacoach/internal/observability"
	"github.com/ent0n29/minacoach/internal/protocol"
)

const (
	writeTimeout = 5 * time.Second
	readTimeout  = 120 * time.Second
	pingInterval = 30 * time.Second
	sendQueue    = 256
)

type Options struct {
	AllowAnyOrigin bool
	Metrics        *observability.Metrics
	Log            zerolog.Logger
}

// Hub fans frames out to every connected renderer. A slow renderer loses
// frames; it never slows the pipeline.
type Hub struct {
	upgrader websocket.Upgrader
	metrics  *observability.Metrics
	log      zerolog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	meshes  map[string]*Mesh
	// session is replayed to renderers that connect mid-session.
	session []byte
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

func NewHub(opts Options) *Hub {
	h := &Hub{
		metrics: opts.Metrics,
		log:     opts.Log.With().Str("component", "render").Logger(),
		clients: make(map[*client]struct{}),
		meshes:  make(map[string]*Mesh),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if opts.AllowAnyOrigin {
				return true
			}
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return false
			}
			return strings.EqualFold(u.Host, r.Host)
		},
	}
	return h
}

// Clients reports how many renderers are connected.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast queues frame for every renderer.
func (h *Hub) Broadcast(frame any) {
	ft, _ := protocol.FrameTypeOf(frame)
	data, err := json.Marshal(frame)
	if err != nil {
		h.log.Error().Err(err).Str("type", string(ft)).Msg("encode frame")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if ft == protocol.TypeSessionState {
		h.session = data
	}
	for c := range h.clients {
		select {
		case c.send <- data:
			h.observe(ft, "queued")
		default:
			h.observe(ft, "drop_full")
		}
	}
}

func (h *Hub) observe(ft protocol.FrameType, result string) {
	if h.metrics != nil {
		h.metrics.RenderFrames.WithLabelValues(string(ft), result).Inc()
	}
}

// SetScale implements the visualizer's scale handle.
func (h *Hub) SetScale(source string, scale float64) {
	h.Broadcast(protocol.VisualizerScale{Type: protocol.TypeVisualizerScale, Source: source, Scale: scale})
}

// PublishReply shows the reply text, or clears it when text is empty.
func (h *Hub) PublishReply(text string) {
	h.Broadcast(protocol.ReplyText{Type: protocol.TypeReplyText, Text: text})
}

func (h *Hub) PublishSession(st protocol.SessionState) {
	st.Type = protocol.TypeSessionState
	h.Broadcast(st)
}

// Mesh returns the named mesh proxy, creating it on first use.
func (h *Hub) Mesh(name string) *Mesh {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.meshes[name]
	if !ok {
		m = newMesh(h, name)
		h.meshes[name] = m
	}
	return m
}

// ServeHTTP upgrades the request and serves one renderer until it leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("renderer upgrade failed")
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendQueue), done: make(chan struct{})}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	if h.session != nil {
		c.send <- h.session
	}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.SessionEvents.WithLabelValues("renderer_connected").Inc()
	}
	h.log.Info().Str("remote", r.RemoteAddr).Msg("renderer connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(c)
	}()
	h.readLoop(c)

	h.mu.Lock()
	delete(h.clients, c)
	last := len(h.clients) == 0
	h.mu.Unlock()
	c.close()
	<-writerDone
	_ = conn.Close()

	if last {
		// Nobody is drawing the model any more.
		h.unloadMeshes()
	}
	if h.metrics != nil {
		h.metrics.SessionEvents.WithLabelValues("renderer_disconnected").Inc()
	}
	h.log.Info().Str("remote", r.RemoteAddr).Msg("renderer disconnected")
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.log.Warn().Err(err).Msg("renderer write failed, dropping renderer")
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}

func (h *Hub) readLoop(c *client) {
	c.conn.SetReadLimit(64 << 10)
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		msg, err := protocol.ParseRendererMessage(data)
		if err != nil {
			h.log.Debug().Err(err).Msg("ignoring renderer frame")
			continue
		}
		switch m := msg.(type) {
		case protocol.ModelLoaded:
			h.Mesh(m.Mesh).load(m.MorphTargets)
			h.log.Info().Str("mesh", m.Mesh).Int("morph_targets", len(m.MorphTargets)).Msg("renderer model loaded")
		case protocol.RenderError:
			// The renderer shows its text fallback; stop animating into it.
			h.unloadMeshes()
			h.log.Warn().Str("detail", m.Detail).Msg("renderer fell back to text view")
		}
	}
}

func (h *Hub) unloadMeshes() {
	h.mu.Lock()
	meshes := make([]*Mesh, 0, len(h.meshes))
	for _, m := range h.meshes {
		meshes = append(meshes, m)
	}
	h.mu.Unlock()
	for _, m := range meshes {
		m.unload()
	}
}

// Close disconnects every renderer.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}
