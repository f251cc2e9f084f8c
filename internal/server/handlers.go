package server

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/fmueller/voxserve/internal/audio"
	"github.com/fmueller/voxserve/internal/modelhost"
	"github.com/fmueller/voxserve/internal/whisper"
	"go.uber.org/zap"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		ModelLoaded: s.host.Ready(),
	})
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if !s.host.Ready() {
		writeDetail(w, http.StatusServiceUnavailable, notReadyDetail)
		return
	}

	if s.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	}

	up, err := readUpload(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeDetail(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds limit of %d bytes", tooLarge.Limit))
			return
		}
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	requestID := RequestIDFrom(r.Context())
	log := s.logger.With(zap.String("request_id", requestID))
	ext := uploadExtension(up.filename, s.defaultExtension)
	log.Debug("upload received", zap.String("filename", up.filename), zap.String("ext", ext), zap.Int("bytes", len(up.data)))

	var result whisper.Result
	err = withTempAudio(s.tempDir, "voxserve-"+requestID+"-", ext, up.data, log, func(path string) error {
		up.data = nil

		if s.silentUpload(path, log) {
			result = whisper.Result{Language: modelhost.UnknownLanguage}
			return nil
		}

		var err error
		result, err = s.host.Transcribe(r.Context(), path)
		return err
	})

	var (
		inferenceErr *modelhost.InferenceError
		storageErr   *storageError
	)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, transcriptionResponse{
			Text:     strings.TrimSpace(result.Text),
			Language: result.Language,
		})
	case errors.Is(err, modelhost.ErrNotReady):
		writeDetail(w, http.StatusServiceUnavailable, notReadyDetail)
	case errors.As(err, &inferenceErr):
		writeDetail(w, http.StatusInternalServerError, inferenceErr.Error())
	case errors.As(err, &storageErr):
		log.Error("failed to store upload", zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, storageErr.Error())
	default:
		writeDetail(w, http.StatusInternalServerError, err.Error())
	}
}

// silentUpload applies the optional silence gate. Only WAV files are measured;
// anything unreadable goes to the engine unchanged.
func (s *Server) silentUpload(path string, log *zap.Logger) bool {
	if !s.silenceGate || !strings.EqualFold(filepath.Ext(path), ".wav") {
		return false
	}

	silent, metrics, err := audio.IsSilentWAV(path, s.silenceThresholdDBFS)
	if err != nil {
		log.Debug("silence gate analysis failed; continuing transcription", zap.Error(err))
		return false
	}
	if silent {
		log.Info("audio considered silent; skipping transcription",
			zap.Float64("rms_dbfs", metrics.RMSdBFS),
			zap.Float64("peak_dbfs", metrics.PeakdBFS),
			zap.Float64("threshold_dbfs", s.silenceThresholdDBFS),
		)
	}
	return silent
}
