package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"wisefido-telemetry/internal/models"
	"wisefido-telemetry/internal/service"

	"go.uber.org/zap"
)

// TelemetryRecorder 写路径
type TelemetryRecorder interface {
	Record(ctx context.Context, cmd service.RecordTelemetryCommand) (*models.Observation, error)
}

// LatestLister 读路径
type LatestLister interface {
	ListLatest(ctx context.Context) ([]models.DeviceTemperature, error)
}

type TelemetryHandler struct {
	recorder TelemetryRecorder
	query    LatestLister
	logger   *zap.Logger
}

func NewTelemetryHandler(recorder TelemetryRecorder, query LatestLister, logger *zap.Logger) *TelemetryHandler {
	return &TelemetryHandler{
		recorder: recorder,
		query:    query,
		logger:   logger,
	}
}

// recordTelemetryRequest 兼容旧字段 measurement / date
type recordTelemetryRequest struct {
	DeviceID    *int64     `json:"deviceId"`
	Temperature *float64   `json:"temperature"`
	Measurement *float64   `json:"measurement"`
	Timestamp   *time.Time `json:"timestamp"`
	Date        *time.Time `json:"date"`
}

func (r recordTelemetryRequest) command() service.RecordTelemetryCommand {
	cmd := service.RecordTelemetryCommand{
		DeviceID:    r.DeviceID,
		Temperature: r.Temperature,
		Timestamp:   r.Timestamp,
	}
	if cmd.Temperature == nil {
		cmd.Temperature = r.Measurement
	}
	if cmd.Timestamp == nil {
		cmd.Timestamp = r.Date
	}
	return cmd
}

// RecordTelemetry POST /telemetry -> 202 无响应体
func (h *TelemetryHandler) RecordTelemetry(w http.ResponseWriter, r *http.Request) {
	var req recordTelemetryRequest
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil {
		if errors.Is(err, errBodyTooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, Fail(err.Error()))
			return
		}
		writeJSON(w, http.StatusBadRequest, Fail(fmt.Sprintf("invalid request body: %v", err)))
		return
	}

	_, err := h.recorder.Record(r.Context(), req.command())
	if err == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, FailValidation(verr))
	case errors.Is(err, models.ErrPublishFailed):
		writeJSON(w, http.StatusInternalServerError, Fail("observation stored but event could not be published"))
	default:
		h.logger.Error("Failed to record telemetry", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to record telemetry"))
	}
}

// ListTemperatures GET /devices/temperatures -> [{deviceId, temperature, timestamp}]
// 投影库异常时返回空列表
func (h *TelemetryHandler) ListTemperatures(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.latest(r.Context()))
}

// ExportTemperatures GET /devices/temperatures/export -> xlsx
func (h *TelemetryHandler) ExportTemperatures(w http.ResponseWriter, r *http.Request) {
	data, err := GenerateTemperatureExport(h.latest(r.Context()))
	if err != nil {
		h.logger.Error("Failed to generate temperature export", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to generate export"))
		return
	}

	filename := fmt.Sprintf("device_temperatures_%s.xlsx", time.Now().UTC().Format("20060102_150405"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *TelemetryHandler) latest(ctx context.Context) []models.DeviceTemperature {
	rows, err := h.query.ListLatest(ctx)
	if err != nil {
		h.logger.Warn("Projection store unavailable, returning empty list", zap.Error(err))
		return []models.DeviceTemperature{}
	}
	if rows == nil {
		rows = []models.DeviceTemperature{}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].DeviceID < rows[j].DeviceID })
	return rows
}

// Pinger 外部依赖探活
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	pinger Pinger
	logger *zap.Logger
}

func NewHealthHandler(pinger Pinger, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{pinger: pinger, logger: logger}
}

// Check GET /healthz
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	if h.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.pinger.Ping(ctx); err != nil {
			h.logger.Warn("Health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, Fail(err.Error()))
			return
		}
	}
	writeJSON(w, http.StatusOK, Ok(map[string]string{"status": "ok"}))
}
