// Package protocol holds the client-facing objects the output pipeline publishes:
// output and dma-buf globals, and presentation feedback
package protocol

import (
	"fmt"
	"sort"
	"sync"

	"github.com/bnema/kmsway/internal/format"
	"github.com/bnema/kmsway/internal/logger"
)

// GlobalID names an advertised global
type GlobalID uint32

// SurfaceID names a client wl_surface
type SurfaceID uint32

const (
	InterfaceOutput = "wl_output"
	InterfaceDmabuf = "zwp_linux_dmabuf_v1"
)

// OutputDescription is what a wl_output global advertises
type OutputDescription struct {
	Name           string
	Make           string
	Model          string
	PhysicalWidth  int32 // mm
	PhysicalHeight int32 // mm
	Width          int32
	Height         int32
	Refresh        int32 // mHz
	X              int32
	Y              int32
}

// Display creates and revokes globals
type Display interface {
	CreateOutputGlobal(desc OutputDescription) GlobalID
	CreateDmabufGlobal(defaultFeedback *format.Feedback) GlobalID
	RemoveGlobal(id GlobalID)
}

// Global is one advertised global
type Global struct {
	ID        GlobalID
	Interface string
	Output    *OutputDescription
	Feedback  *format.Feedback
}

// Registry is an in-memory Display
type Registry struct {
	mu      sync.Mutex
	next    GlobalID
	globals map[GlobalID]Global
}

func NewRegistry() *Registry {
	return &Registry{globals: make(map[GlobalID]Global)}
}

func (r *Registry) CreateOutputGlobal(desc OutputDescription) GlobalID {
	return r.add(Global{Interface: InterfaceOutput, Output: &desc})
}

func (r *Registry) CreateDmabufGlobal(defaultFeedback *format.Feedback) GlobalID {
	return r.add(Global{Interface: InterfaceDmabuf, Feedback: defaultFeedback})
}

func (r *Registry) add(g Global) GlobalID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	g.ID = r.next
	r.globals[g.ID] = g
	logger.Debug("Global created", "id", g.ID, "interface", g.Interface)
	return g.ID
}

// RemoveGlobal revokes a global. Unknown ids are logged and ignored.
func (r *Registry) RemoveGlobal(id GlobalID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.globals[id]; !ok {
		logger.Warn("Removing unknown global", "id", id)
		return
	}
	delete(r.globals, id)
	logger.Debug("Global removed", "id", id)
}

// Get looks a global up
func (r *Registry) Get(id GlobalID) (Global, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.globals[id]
	return g, ok
}

// Globals lists the globals of an interface ordered by id, all of them when iface is empty
func (r *Registry) Globals(iface string) []Global {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Global, 0, len(r.globals))
	for _, g := range r.globals {
		if iface == "" || g.Interface == iface {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (g Global) String() string {
	if g.Output != nil {
		return fmt.Sprintf("%s#%d(%s)", g.Interface, g.ID, g.Output.Name)
	}
	return fmt.Sprintf("%s#%d", g.Interface, g.ID)
}
