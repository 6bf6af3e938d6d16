// Package server exposes the AS2 receive endpoint over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/luckylud/pyas2/as2"
	"github.com/luckylud/pyas2/mimeutil"
)

const shutdownGrace = 5 * time.Second

// Server answers partner requests on the receive endpoint. All protocol
// work happens in the engine; the server translates between HTTP and the
// engine's header view, and maps processing errors to status codes.
type Server struct {
	engine *as2.Engine
	log    zerolog.Logger
}

func New(engine *as2.Engine, log zerolog.Logger) *Server {
	return &Server{engine: engine, log: log}
}

// ServeHTTP implements the endpoint. POST carries an AS2 transmission or an
// asynchronous MDN. GET answers with a short usage note so partners can
// check connectivity before certificates are exchanged.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.receive(w, r)
	case http.MethodGet, http.MethodHead:
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "To submit an AS2 message, you must POST the message to this URL")
	case http.MethodOptions:
		w.Header().Set("Allow", "POST, GET")
	default:
		w.Header().Set("Allow", "POST, GET")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to read request body")
		http.Error(w, "failed to read request body", http.StatusInternalServerError)
		return
	}
	res, err := s.engine.Receive(r.Context(), requestHeaders(r, len(body)), body)
	switch {
	case errors.Is(err, as2.ErrInvalidRequest):
		http.Error(w, "Invalid AS2 message received.", http.StatusBadRequest)
	case errors.Is(err, as2.ErrUnknownMDN):
		http.Error(w, "Unknown AS2 MDN received. Will not be processed", http.StatusNotFound)
	case err != nil:
		wireID := strings.Trim(r.Header.Get("message-id"), "<>")
		s.log.Error().Err(err).Str("message", wireID).Msg("fatal error while processing AS2 request")
		http.Error(w,
			fmt.Sprintf("Fatal error while processing AS2 message <%s>", wireID),
			http.StatusInternalServerError)
	case res.MDNBody != nil:
		for _, f := range res.MDNHeaders.Fields() {
			w.Header().Set(f.Key, f.Value)
		}
		_, _ = w.Write(res.MDNBody)
	default:
		_, _ = io.WriteString(w, res.Text)
	}
}

// requestHeaders rebuilds the wire header view the engine expects from an
// http request: every header under its lowercase name plus the body length.
func requestHeaders(r *http.Request, bodyLen int) *mimeutil.Header {
	keys := make([]string, 0, len(r.Header))
	for k := range r.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := mimeutil.NewHeader()
	for _, k := range keys {
		for _, v := range r.Header.Values(k) {
			h.Append(strings.ToLower(k), v)
		}
	}
	h.Append("content-length", strconv.Itoa(bodyLen))
	return h
}

// Run serves the endpoint at addr under uri until ctx is cancelled. When
// certFile and keyFile are both set the listener speaks TLS.
func (s *Server) Run(ctx context.Context, addr, uri, certFile, keyFile string) error {
	mux := http.NewServeMux()
	mux.Handle(uri, s)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		if certFile != "" && keyFile != "" {
			errc <- srv.ListenAndServeTLS(certFile, keyFile)
			return
		}
		errc <- srv.ListenAndServe()
	}()
	s.log.Info().Str("addr", addr).Str("uri", uri).Msg("AS2 endpoint listening")

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
