package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go-self-verifier/flow"
	"go-self-verifier/models"
	"go-self-verifier/report"
	"go-self-verifier/selfapp"
	"go-self-verifier/verification"
	"go-self-verifier/web"

	"github.com/gorilla/mux"
)

const ErrorInternal = "error:internal"
const ERR_MARSHAL = "failed to marshal response message"
const ERR_INVALID_TRANSITION = "invalid status transition"
const ERR_DECODE_BODY = "failed to decode request body"
const ERR_NO_VERIFICATION = "no verification available"
const ERR_NO_SESSION = "no session available"
const ERR_SIGNING_DISABLED = "certificate signing disabled"
const ERR_JWT_CREATION = "failed to create jwt"

var errNoSession = errors.New(ERR_NO_SESSION)

type ServerConfig struct {
	Host           string `json:"host" env:"SERVER_HOST" env-default:"0.0.0.0"`
	Port           int    `json:"port" env:"SERVER_PORT" env-default:"8080"`
	UseTls         bool   `json:"use_tls,omitempty" env:"SERVER_USE_TLS"`
	TlsPrivKeyPath string `json:"tls_priv_key_path,omitempty" env:"SERVER_TLS_PRIV_KEY_PATH"`
	TlsCertPath    string `json:"tls_cert_path,omitempty" env:"SERVER_TLS_CERT_PATH"`
	StaticPath     string `json:"static_path,omitempty" env:"SERVER_STATIC_PATH"`
}

type ServerState struct {
	controller *flow.Controller
	cache      *verification.Cache
	signer     ReportSigner
	clock      verification.Clock
}

type SpaHandler struct {
	staticPath string
	indexPath  string
}

type Server struct {
	server *http.Server
	config ServerConfig
}

func (s *Server) ListenAndServe() error {
	if s.config.UseTls {
		slog.Info("Starting server with TLS", "host", s.config.Host, "port", s.config.Port, "cert", s.config.TlsCertPath, "key", s.config.TlsPrivKeyPath)
		return s.server.ListenAndServeTLS(s.config.TlsCertPath, s.config.TlsPrivKeyPath)
	} else {
		slog.Info("Starting server without TLS", "host", s.config.Host, "port", s.config.Port)
		return s.server.ListenAndServe()
	}
}

func (s *Server) Stop() error {
	slog.Info("Shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	if err != nil {
		slog.Error("Error during server shutdown", "error", err)
	} else {
		slog.Info("Server shut down successfully")
	}
	return err
}

// ServeHTTP inspects the URL path to locate a file within the static dir
// on the SPA handler. If a file is found, it will be served. If not, the
// file located at the index path on the SPA handler will be served. Without
// a static dir the embedded verification page is served for every path.
// https://github.com/gorilla/mux?tab=readme-ov-file#serving-single-page-applications
func (h SpaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	slog.Debug("SPA handler serving request", "path", r.URL.Path)
	if h.staticPath == "" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if _, err := w.Write(web.Index); err != nil {
			slog.Error("failed to write body to http response", "error", err)
		}
		return
	}

	// Join internally call path.Clean to prevent directory traversal
	path := filepath.Join(h.staticPath, r.URL.Path)
	fi, err := os.Stat(path)
	if os.IsNotExist(err) || (err == nil && fi.IsDir()) {
		slog.Debug("Serving index for path", "path", r.URL.Path)
		http.ServeFile(w, r, filepath.Join(h.staticPath, h.indexPath))
		return
	}

	if err != nil {
		slog.Error("Error stating file", "path", path, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	slog.Debug("Serving static file", "path", path)
	http.FileServer(http.Dir(h.staticPath)).ServeHTTP(w, r)
}

func NewServer(state *ServerState, config ServerConfig) (*Server, error) {
	slog.Info("Creating new server", "host", config.Host, "port", config.Port, "tls", config.UseTls)
	if state.clock == nil {
		state.clock = verification.SystemClock{}
	}
	router := mux.NewRouter()

	router.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("Health check request received")
		err := json.NewEncoder(w).Encode(map[string]bool{"ok": true})
		if err != nil {
			slog.Error("failed to write body to http response", "error", err)
		}
	})

	router.HandleFunc("/api/verification", func(w http.ResponseWriter, r *http.Request) {
		handleGetVerification(state, w, r)
	}).Methods(http.MethodGet)
	router.HandleFunc("/api/session", func(w http.ResponseWriter, r *http.Request) {
		handleGetSession(state, w, r)
	}).Methods(http.MethodGet)
	router.HandleFunc("/api/session/qr.png", func(w http.ResponseWriter, r *http.Request) {
		handleGetQRCode(state, w, r)
	}).Methods(http.MethodGet)

	router.HandleFunc("/api/verification/started", func(w http.ResponseWriter, r *http.Request) {
		handleVerificationStarted(state, w, r)
	})
	router.HandleFunc("/api/verification/success", func(w http.ResponseWriter, r *http.Request) {
		handleVerificationSuccess(state, w, r)
	})
	router.HandleFunc("/api/verification/error", func(w http.ResponseWriter, r *http.Request) {
		handleVerificationError(state, w, r)
	})
	router.HandleFunc("/api/verification/reset", func(w http.ResponseWriter, r *http.Request) {
		handleReset(state, w, r)
	})

	router.HandleFunc("/api/report", func(w http.ResponseWriter, r *http.Request) {
		handleGetReport(state, w, r)
	}).Methods(http.MethodGet)
	router.HandleFunc("/api/certificate", func(w http.ResponseWriter, r *http.Request) {
		handleGetCertificate(state, w, r)
	}).Methods(http.MethodGet)

	slog.Debug("Registered all API routes")

	spa := SpaHandler{staticPath: config.StaticPath, indexPath: "index.html"}
	router.PathPrefix("/").Handler(spa)

	addr := fmt.Sprintf("%v:%v", config.Host, config.Port)
	srv := &http.Server{
		Handler: router,
		Addr:    addr,
		// Good practice: enforce timeouts for servers you create!
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	slog.Info("Server created successfully", "address", addr)
	return &Server{
		server: srv,
		config: config,
	}, nil
}

func statusResponse(state *ServerState, snapshot flow.Snapshot) models.VerificationStatusResponse {
	response := models.VerificationStatusResponse{
		Status:        string(snapshot.Status),
		Label:         report.FormatStatus(string(snapshot.Status)),
		Message:       snapshot.Message,
		StatusMessage: snapshot.StatusMessage,
		HasSession:    snapshot.Session != nil,
	}

	record := snapshot.Record
	if record == nil {
		return response
	}

	response.Data = record
	response.FieldStatus = report.FieldStatus(*record)
	if record.Nationality != "" {
		response.NationalityName = selfapp.CountryName(record.Nationality)
	}
	if record.DateOfBirth != "" {
		age, err := report.CalculateAge(record.DateOfBirth, state.clock.Now())
		if err != nil {
			slog.Warn("Could not calculate age", "error", err)
		} else {
			response.Age = &age
		}
	}
	if validUntil, ok := state.cache.ValidUntil(); ok {
		response.ValidUntil = verification.FormatTimestamp(validUntil)
	}
	return response
}

func handleGetVerification(state *ServerState, w http.ResponseWriter, r *http.Request) {
	slog.Debug("Received request for verification status")
	response := statusResponse(state, state.controller.Snapshot())
	if err := writeJSON(w, http.StatusOK, response); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
	}
}

// ensureSession returns the current session, initializing one first when
// the flow is idle and has none yet.
func ensureSession(ctx context.Context, state *ServerState) (*selfapp.Session, error) {
	snapshot := state.controller.Snapshot()
	if snapshot.Session != nil {
		return snapshot.Session, nil
	}

	if err := state.controller.Initialize(ctx); err != nil {
		return nil, err
	}

	snapshot = state.controller.Snapshot()
	if snapshot.Session == nil {
		return nil, errNoSession
	}
	return snapshot.Session, nil
}

func respondWithSessionErr(w http.ResponseWriter, err error) {
	if errors.Is(err, flow.ErrInvalidTransition) || errors.Is(err, errNoSession) {
		respondWithErr(w, http.StatusConflict, ERR_NO_SESSION, ERR_NO_SESSION, err)
		return
	}
	respondWithErr(w, http.StatusInternalServerError, flow.MsgInitFailed, "failed to initialize session", err)
}

func handleGetSession(state *ServerState, w http.ResponseWriter, r *http.Request) {
	slog.Debug("Received request for self session")
	session, err := ensureSession(r.Context(), state)
	if err != nil {
		respondWithSessionErr(w, err)
		return
	}

	response := models.SessionResponse{
		App:           session.App,
		UniversalLink: session.UniversalLink,
		QRCode:        base64.StdEncoding.EncodeToString(session.QRCode),
	}
	if err := writeJSON(w, http.StatusOK, response); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
	}
}

func handleGetQRCode(state *ServerState, w http.ResponseWriter, r *http.Request) {
	slog.Debug("Received request for session QR code")
	session, err := ensureSession(r.Context(), state)
	if err != nil {
		respondWithSessionErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if _, err := w.Write(session.QRCode); err != nil {
		slog.Error("failed to write body to http response", "error", err)
	}
}

func handleVerificationStarted(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	if !requirePOST(w, r) {
		return
	}

	slog.Info("Received verification started callback")
	if err := state.controller.OnVerificationStarted(); err != nil {
		respondWithTransitionErr(w, err)
		return
	}
	writeStatus(state, w)
}

func handleVerificationSuccess(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	if !requirePOST(w, r) {
		return
	}

	slog.Info("Received verification success callback")
	var disclosure verification.Disclosure
	if err := decodeOptionalBody(r, &disclosure); err != nil {
		respondWithErr(w, http.StatusBadRequest, "invalid request", ERR_DECODE_BODY, err)
		return
	}

	rep, err := state.controller.OnSuccess(r.Context(), disclosure)
	if err != nil {
		respondWithTransitionErr(w, err)
		return
	}

	response := models.SuccessResponse{
		Status: string(flow.Success),
		Report: rep,
	}
	if err := writeJSON(w, http.StatusOK, response); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
	}
}

func handleVerificationError(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	if !requirePOST(w, r) {
		return
	}

	slog.Info("Received verification error callback")
	var request models.VerificationErrorRequest
	if err := decodeOptionalBody(r, &request); err != nil {
		respondWithErr(w, http.StatusBadRequest, "invalid request", ERR_DECODE_BODY, err)
		return
	}

	if err := state.controller.OnError(request.Message); err != nil {
		respondWithTransitionErr(w, err)
		return
	}
	writeStatus(state, w)
}

func handleReset(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	if !requirePOST(w, r) {
		return
	}

	slog.Info("Received reset request")
	if err := state.controller.Reset(); err != nil {
		respondWithTransitionErr(w, err)
		return
	}
	writeStatus(state, w)
}

func handleGetReport(state *ServerState, w http.ResponseWriter, r *http.Request) {
	slog.Debug("Received request for verification report")
	rep, ok := state.controller.Report()
	if !ok {
		respondWithErr(w, http.StatusNotFound, ERR_NO_VERIFICATION, ERR_NO_VERIFICATION, nil)
		return
	}

	rendered, err := report.Render(rep)
	if err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"verification-report-%d.json\"", state.clock.Now().UnixMilli()))
	if _, err := io.WriteString(w, rendered); err != nil {
		slog.Error("failed to write body to http response", "error", err)
	}
	slog.Info("Verification report downloaded", "verification_id", rep.VerificationID)
}

func handleGetCertificate(state *ServerState, w http.ResponseWriter, r *http.Request) {
	slog.Debug("Received request for verification certificate")
	if state.signer == nil {
		respondWithErr(w, http.StatusNotFound, ERR_SIGNING_DISABLED, ERR_SIGNING_DISABLED, nil)
		return
	}

	rep, ok := state.controller.Report()
	snapshot := state.controller.Snapshot()
	if !ok || snapshot.Record == nil {
		respondWithErr(w, http.StatusNotFound, ERR_NO_VERIFICATION, ERR_NO_VERIFICATION, nil)
		return
	}

	validUntil, ok := state.cache.ValidUntil()
	if !ok {
		// the record was not cached, fall back to the capture time
		capturedAt, err := verification.ParseTimestamp(snapshot.Record.VerificationTimestamp)
		if err != nil {
			respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_JWT_CREATION, err)
			return
		}
		validUntil = capturedAt.Add(verification.ValidityWindow)
	}

	signed, err := state.signer.SignReport(rep, *snapshot.Record, validUntil)
	if err != nil {
		respondWithErr(w, http.StatusInternalServerError, ERR_JWT_CREATION, ERR_JWT_CREATION, err)
		return
	}

	response := models.CertificateResponse{
		Jwt:            signed,
		VerificationID: rep.VerificationID,
		ExpiresAt:      verification.FormatTimestamp(validUntil),
	}
	if err := writeJSON(w, http.StatusOK, response); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
		return
	}
	slog.Info("Verification certificate issued", "verification_id", rep.VerificationID)
}

// -----------------------------------------------------------------------------------

func writeStatus(state *ServerState, w http.ResponseWriter) {
	response := statusResponse(state, state.controller.Snapshot())
	if err := writeJSON(w, http.StatusOK, response); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
	}
}

func respondWithTransitionErr(w http.ResponseWriter, err error) {
	if errors.Is(err, flow.ErrInvalidTransition) {
		respondWithErr(w, http.StatusConflict, ERR_INVALID_TRANSITION, ERR_INVALID_TRANSITION, err)
		return
	}
	respondWithErr(w, http.StatusInternalServerError, ErrorInternal, "failed to update verification status", err)
}

// decodeOptionalBody decodes a JSON body, an empty body leaves v untouched.
func decodeOptionalBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		slog.Warn("Failed to decode request body", "error", err)
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func respondWithErr(w http.ResponseWriter, code int, responseBody string, logMsg string, e error) {
	if code >= http.StatusInternalServerError {
		slog.Error(logMsg, "error", e, "status_code", code, "response_body", responseBody)
	} else {
		slog.Warn(logMsg, "error", e, "status_code", code, "response_body", responseBody)
	}
	w.WriteHeader(code)
	if _, err := w.Write([]byte(responseBody)); err != nil {
		slog.Error("failed to write body to http response", "error", err)
	}
}

// helpers ------------

func closeRequestBody(r *http.Request) {
	if err := r.Body.Close(); err != nil {
		slog.Error("failed to close request body", "error", err)
	}
}

func requirePOST(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		slog.Debug("Non-POST request rejected", "method", r.Method, "path", r.URL.Path)
		respondWithErr(w, http.StatusMethodNotAllowed, "method not allowed", "invalid method", nil)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	slog.Debug("Writing JSON response", "status_code", status)
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to marshal JSON payload", "error", err)
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(payload)
	if err != nil {
		slog.Error("failed to write body to http response", "error", err)
	} else {
		slog.Debug("JSON response written successfully", "status_code", status, "payload_size", len(payload))
	}
	return nil
}
