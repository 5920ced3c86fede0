package render

import (
	"sync"

	"github.com/ent0n29/minacoach/internal/protocol"
)

// Mesh mirrors one renderer mesh for the mouth animator. Its morph-target
// dictionary stays nil until a renderer reports the model loaded, so frames
// are skipped while nothing can draw them.
type Mesh struct {
	hub  *Hub
	name string

	mu      sync.Mutex
	dict    map[string]int
	names   []string
	weights []float64
	dirty   bool
}

func newMesh(h *Hub, name string) *Mesh {
	return &Mesh{hub: h, name: name}
}

func (m *Mesh) Name() string { return m.name }

func (m *Mesh) MorphTargetDictionary() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dict
}

func (m *Mesh) SetInfluence(index int, weight float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.weights) {
		return
	}
	if m.weights[index] != weight {
		m.weights[index] = weight
		m.dirty = true
	}
}

// Flush sends the influences written since the last flush as one frame.
func (m *Mesh) Flush() {
	m.mu.Lock()
	if !m.dirty || m.dict == nil {
		m.mu.Unlock()
		return
	}
	influences := make(map[string]float64, len(m.names))
	for i, name := range m.names {
		influences[name] = m.weights[i]
	}
	m.dirty = false
	m.mu.Unlock()

	m.hub.Broadcast(protocol.MorphFrame{Type: protocol.TypeMorphFrame, Mesh: m.name, Influences: influences})
}

// Preload marks the model as loaded without waiting for a renderer.
func (m *Mesh) Preload(targets []string) {
	m.load(targets)
}

func (m *Mesh) load(targets []string) {
	dict := make(map[string]int, len(targets))
	names := make([]string, 0, len(targets))
	for _, t := range targets {
		if _, dup := dict[t]; dup || t == "" {
			continue
		}
		dict[t] = len(names)
		names = append(names, t)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dict = dict
	m.names = names
	m.weights = make([]float64, len(names))
	m.dirty = false
}

func (m *Mesh) unload() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dict = nil
	m.names = nil
	m.weights = nil
	m.dirty = false
}
