package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/pulsekit/glitchtrace-agent/internal/database"
	"github.com/pulsekit/glitchtrace-agent/internal/glitch"
	"github.com/pulsekit/glitchtrace-agent/internal/models"
	"github.com/pulsekit/glitchtrace-agent/internal/param"
)

type Server struct {
	db      *database.Database
	address string
	server  *http.Server
	log     *logrus.Logger
}

func NewServer(db *database.Database, address string, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.New()
	}
	return &Server{
		db:      db,
		address: address,
		log:     log,
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Write([]byte("ok"))
}

func (s *Server) handleTOAs(w http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var batch models.TOABatch
	if err := json.NewDecoder(request.Body).Decode(&batch); err != nil {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	if len(batch.TOAs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	batchID := uuid.NewString()
	if err := s.db.InsertTOAs(batchID, batch.TOAs); err != nil {
		s.log.WithError(err).Error("failed to store TOA batch")
		http.Error(w, "Failed to store TOAs", http.StatusInternalServerError)
		return
	}
	s.log.WithFields(logrus.Fields{"batch_id": batchID, "count": len(batch.TOAs)}).Info("stored TOA batch")
	writeJSON(w, http.StatusOK, models.IngestResponse{BatchID: batchID, Count: len(batch.TOAs)})
}

// handleEvaluate builds a glitch model from the posted parameter map and
// evaluates its phase, or one partial derivative, over all stored TOAs.
func (s *Server) handleEvaluate(w http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var req models.EvalRequest
	if err := json.NewDecoder(request.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	if len(req.Params) == 0 {
		http.Error(w, "No parameters given", http.StatusBadRequest)
		return
	}

	model := glitch.NewModel()
	for name, value := range req.Params {
		if err := model.SetParam(name, value); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if err := model.Setup(); err != nil {
		var missing *param.MissingParameterError
		if errors.As(err, &missing) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		s.log.WithError(err).Error("model setup failed")
		http.Error(w, "Model setup failed", http.StatusInternalServerError)
		return
	}

	toas, err := s.db.ListTOAs()
	if err != nil {
		s.log.WithError(err).Error("failed to load TOAs")
		http.Error(w, "Failed to load TOAs", http.StatusInternalServerError)
		return
	}
	mjds := make([]float64, len(toas))
	delays := make([]float64, len(toas))
	for i, toa := range toas {
		mjds[i] = toa.MJD
		delays[i] = toa.Delay
	}

	var values []float64
	if req.Deriv == "" {
		values, err = model.Phase(mjds, delays)
	} else {
		fn, ok := model.Deriv(req.Deriv)
		if !ok {
			http.Error(w, "No derivative for "+req.Deriv, http.StatusBadRequest)
			return
		}
		values, err = fn(mjds, delays, req.Deriv)
	}
	if err != nil {
		if errors.Is(err, glitch.ErrInvalidParam) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.log.WithError(err).Error("evaluation failed")
		http.Error(w, "Evaluation failed", http.StatusInternalServerError)
		return
	}

	resp := models.EvalResponse{N: len(values), Values: values}
	if len(values) > 0 {
		resp.Mean = stat.Mean(values, nil)
	}
	if len(values) > 1 {
		resp.StdDev = stat.StdDev(values, nil)
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/toas", s.handleTOAs)
	mux.HandleFunc("/evaluate", s.handleEvaluate)
	return mux
}

func (s *Server) Start() error {
	mux := s.setupRoutes()
	s.server = &http.Server{
		Addr:         s.address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	// Graceful shutdown
	shutdownChannel := make(chan os.Signal, 1)
	signal.Notify(shutdownChannel, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		s.log.WithField("address", s.address).Info("glitchtrace agent listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Fatal("server failed to start")
		}
	}()

	<-shutdownChannel
	s.log.Info("shutting down server")

	shutdownContext, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownContext); err != nil {
		return err
	}

	s.log.Info("server exited")
	return nil
}
