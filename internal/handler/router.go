package handler

import (
	"net/http"

	"github.com/dreschagin/image-studio/internal/studio"
)

// Routes groups the handlers mounted on the gateway mux. Jobs and WebSocket
// are optional.
type Routes struct {
	Edit      *EditHandler
	Jobs      *JobsHandler
	WebSocket *WebSocketHandler
}

// Register mounts the API routes on mux.
func (rt Routes) Register(mux *http.ServeMux) {
	mux.Handle("POST /generate", rt.Edit.Operation(studio.OperationGenerate))
	mux.Handle("POST /inpaint", rt.Edit.Operation(studio.OperationInpaint))
	mux.Handle("POST /erase", rt.Edit.Operation(studio.OperationErase))

	if rt.Jobs != nil {
		mux.HandleFunc("GET /api/v1/jobs", rt.Jobs.List)
		mux.HandleFunc("GET /api/v1/jobs/{id}", rt.Jobs.Get)
	}
	if rt.WebSocket != nil {
		mux.HandleFunc("GET /ws", rt.WebSocket.HandleConnection)
	}
}
