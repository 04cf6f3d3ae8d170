// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package api provides the HTTP status and introspection interface of a
running bridge.

The routes are read-only except for /bridge/dispatch, which accepts a raw
request envelope and returns the reply. That route exists for operator
debugging; production traffic goes through the MQTT transport.
*/
package api

import (
	"io"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/dab-bridge/core/element"
	"github.com/relabs-tech/dab-bridge/core/logger"
	"github.com/relabs-tech/dab-bridge/dab"
)

// API is the bridge status interface.
type API struct {
	bridge *dab.Bridge
}

// Builder is a builder helper for the API
type Builder struct {
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// Bridge is the bridge to report on. This is mandatory.
	Bridge *dab.Bridge
}

// NewAPI realizes the actual API and adds the routes to the router.
func NewAPI(b *Builder) *API {
	if b.Router == nil {
		panic("Router is missing")
	}
	if b.Bridge == nil {
		panic("Bridge is missing")
	}

	a := &API{bridge: b.Bridge}
	logger.AddRequestID(b.Router)
	a.handleCORS(b.Router)
	a.handleRoutes(b.Router)
	return a
}

// health is the payload of the health endpoint
type health struct {
	Status  string   `json:"status"`
	Devices []string `json:"devices"`
}

func (a *API) handleRoutes(router *mux.Router) {
	rlog := logger.Default()
	rlog.Debugln("api: handle route /bridge/health GET")
	rlog.Debugln("api: handle route /bridge/devices GET")
	rlog.Debugln("api: handle route /bridge/topics GET")
	rlog.Debugln("api: handle route /bridge/dispatch POST")

	router.Handle("/bridge/health", handlers.CompressHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		a.writeJSON(w, health{Status: "ok", Devices: a.bridge.DeviceIDs()})
	}))).Methods(http.MethodOptions, http.MethodGet)

	router.Handle("/bridge/devices", handlers.CompressHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		a.writeJSON(w, a.bridge.DeviceIDs())
	}))).Methods(http.MethodOptions, http.MethodGet)

	router.Handle("/bridge/topics", handlers.CompressHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		a.writeJSON(w, a.bridge.GetTopics())
	}))).Methods(http.MethodOptions, http.MethodGet)

	router.Handle("/bridge/dispatch", handlers.CompressHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rlog := logger.FromContext(r.Context())
		rlog.Infoln("called route for", r.URL, r.Method)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		env, err := element.Parse(body)
		if err != nil {
			http.Error(w, "invalid json data", http.StatusBadRequest)
			return
		}
		reply := a.bridge.Dispatch(env)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Write(reply.JSON())
	}))).Methods(http.MethodOptions, http.MethodPost)
}

func (a *API) writeJSON(w http.ResponseWriter, v any) {
	jsonData, _ := json.Marshal(v)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Write(jsonData)
}

func (a *API) handleCORS(router *mux.Router) {

	corsMiddleware := func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Set CORS headers for all requests
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours

			// Handle preflight OPTIONS request
			if r.Method == http.MethodOptions {
				logger.FromContext(r.Context()).Debugln("called route for", r.URL, r.Method, " (handled by CORS middleware)")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			h.ServeHTTP(w, r)
		})
	}
	router.Use(corsMiddleware)
}
