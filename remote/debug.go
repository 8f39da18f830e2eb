package remote

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"gitlab.com/akita/offload/loader"
)

// maxDump bounds the bytes of one memory read of the debug API.
const maxDump = 1 << 16

type moduleInfo struct {
	Handle  uint32          `json:"handle"`
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Kind    string          `json:"kind"`
	GP      string          `json:"gp"`
	Extents []loader.Extent `json:"extents"`
	Exports int             `json:"exports"`
}

// DebugHandler serves the state of a device over HTTP for an attached
// debugger.
type DebugHandler struct {
	disp   *Dispatcher
	router *mux.Router
}

// NewDebugHandler creates the debug API of the device behind disp.
func NewDebugHandler(disp *Dispatcher) *DebugHandler {
	h := &DebugHandler{disp: disp, router: mux.NewRouter()}

	h.router.HandleFunc("/modules", h.listModules).Methods("GET")
	h.router.HandleFunc("/modules/{handle:[0-9]+}/symbols/{name}", h.symbol).
		Methods("GET")
	h.router.HandleFunc("/pool", h.pool).Methods("GET")
	h.router.HandleFunc("/power", h.power).Methods("GET")
	h.router.HandleFunc("/heap", h.heap).Methods("GET")
	h.router.HandleFunc("/requests", h.requests).Methods("GET")
	h.router.HandleFunc("/natives", h.natives).Methods("GET")
	h.router.HandleFunc("/memory/{addr}/{len:[0-9]+}", h.memory).Methods("GET")

	return h
}

func (h *DebugHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// ListenAndServe serves the debug API on a local port in the background.
func (h *DebugHandler) ListenAndServe(port int) *http.Server {
	srv := &http.Server{
		Addr:    fmt.Sprintf("localhost:%d", port),
		Handler: h,
	}

	go func() {
		err := srv.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.Printf("remote: debug server: %v", err)
		}
	}()

	log.Printf("remote: debug server listening on %s", srv.Addr)
	return srv
}

func formatAddr(addr uint32) string {
	return fmt.Sprintf("%#08x", addr)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("remote: debug response: %v", err)
	}
}

func (h *DebugHandler) listModules(w http.ResponseWriter, _ *http.Request) {
	mods := h.disp.dev.Modules.Modules()
	list := make([]moduleInfo, 0, len(mods))
	for _, m := range mods {
		list = append(list, moduleInfo{
			Handle:  uint32(m.Handle),
			ID:      m.ID,
			Name:    m.Name,
			Kind:    m.Kind.String(),
			GP:      formatAddr(m.GP),
			Extents: m.Extents,
			Exports: len(m.Exports()),
		})
	}
	writeJSON(w, list)
}

func (h *DebugHandler) symbol(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	handle, err := strconv.ParseUint(vars["handle"], 10, 32)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	addr, err := h.disp.dev.Modules.Symbol(loader.Handle(handle), vars["name"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	writeJSON(w, map[string]string{
		"name": vars["name"],
		"addr": formatAddr(addr),
	})
}

func (h *DebugHandler) pool(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.disp.dev.Pool.Stats())
}

func (h *DebugHandler) power(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.disp.dev.Power.Status())
}

func (h *DebugHandler) heap(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.disp.HeapStats())
}

func (h *DebugHandler) requests(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.disp.Stats())
}

func (h *DebugHandler) natives(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.disp.dev.Runtime.Calls())
}

func (h *DebugHandler) memory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	addr, err := strconv.ParseUint(vars["addr"], 0, 32)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n, err := strconv.ParseUint(vars["len"], 10, 32)
	if err != nil || n > maxDump {
		http.Error(w, "bad length", http.StatusBadRequest)
		return
	}

	data, err := h.disp.dev.Memory.Read(uint32(addr), uint32(n))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	writeJSON(w, map[string]string{
		"addr": formatAddr(uint32(addr)),
		"data": hex.EncodeToString(data),
	})
}
