package node

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/ryandielhenn/zephyrbus/pkg/dispatch"
	"github.com/ryandielhenn/zephyrbus/pkg/msg"
)

// maxPublishBody bounds the request body accepted by PublishHandler.
const maxPublishBody = 1 << 20

// Healthz returns 200 while the node runs without a transport failure.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	n.mu.Lock()
	ok := n.state == running && n.err == nil
	n.mu.Unlock()
	if !ok {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes the node identity and a summary of its state as JSON.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		Name          string    `json:"name"`
		PID           int       `json:"pid"`
		Now           time.Time `json:"now"`
		Addr          string    `json:"addr"`
		Uptime        string    `json:"uptime"`
		Peers         int       `json:"peers"`
		Subscriptions []uint16  `json:"subscriptions"`
	}
	writeJSON(w, resp{
		Name:          n.Name(),
		PID:           os.Getpid(),
		Now:           n.clk.Now(),
		Addr:          n.Addr(),
		Uptime:        n.uptime().String(),
		Peers:         len(n.Peers()),
		Subscriptions: n.disp.Subscriptions(),
	})
}

// PeersHandler lists the connected peers and their subscriptions.
func (n *Node) PeersHandler(w http.ResponseWriter, _ *http.Request) {
	peers := n.Peers()
	if peers == nil {
		peers = []dispatch.PeerInfo{}
	}
	writeJSON(w, peers)
}

// PublishHandler publishes the request body as a msg.UInt8Array on the
// channel named by the {channel} path value.
func (n *Node) PublishHandler(w http.ResponseWriter, req *http.Request) {
	ch, err := strconv.ParseUint(req.PathValue("channel"), 10, 16)
	if err != nil {
		http.Error(w, "invalid channel", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxPublishBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	switch err := n.Publish(uint16(ch), msg.UInt8Array{Data: body}); {
	case errors.Is(err, ErrReservedChannel):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrStopped):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
