// Copyright 2026 Precision Mold Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/precisionmold/imc-core/pkg/actuators"
	"github.com/precisionmold/imc-core/pkg/api"
	"github.com/precisionmold/imc-core/pkg/config"
	"github.com/precisionmold/imc-core/pkg/control"
	"github.com/precisionmold/imc-core/pkg/cycle"
	"github.com/precisionmold/imc-core/pkg/machine"
	"github.com/precisionmold/imc-core/pkg/models"
	"github.com/precisionmold/imc-core/pkg/quality"
	"github.com/precisionmold/imc-core/pkg/safety"
	"github.com/precisionmold/imc-core/pkg/sensors"
	"github.com/precisionmold/imc-core/pkg/spc"
	"github.com/precisionmold/imc-core/pkg/temperature"
)

func testParams() config.ProcessParameters {
	return config.ProcessParameters{
		VelocityStages:   []config.VelocityStage{{TargetVelocity: 80, TriggerPosition: 58}},
		TransferPosition: 58,
		PackStages:       []config.PackStage{{TargetPressure: 600, Duration: config.Duration(2 * time.Second)}},
		HoldPressure:     300,
		HoldTime:         config.Duration(3 * time.Second),
		ZoneSetpoints:    [models.NumThermalZones]float64{210, 220, 230, 235, 60},
		CoolingTime:      config.Duration(8 * time.Second),
		ShotVolume:       55,
		BackPressureDuty: 30,
		TargetWeight:     24.5,
		WeightTolerance:  0.5,
		PressureCeiling:  800,
	}
}

func newTestHandler(t *testing.T) (http.Handler, *control.Loop) {
	t.Helper()

	limits := config.MachineLimits{
		MaxPressure:   1000,
		MaxClampForce: 500,
		MaxZoneTemp:   [models.NumThermalZones]float64{280, 280, 280, 300, 120},
	}
	store, err := config.NewParameterStore(testParams(), limits, zap.NewNop().Sugar())
	require.NoError(t, err)

	regulator := temperature.NewRegulator(config.PIDGains{Kp: 1}, limits, 3, 0)
	loop := control.NewLoop(control.Deps{
		Provider:  sensors.NewHoldingProvider(sensors.NewMockProvider(), 2),
		Output:    actuators.NewMockOutput(),
		Monitor:   safety.NewMonitor(limits),
		Machine:   machine.New(store, config.ControlGains{}, regulator.AllZonesReady, 0.02),
		Regulator: regulator,
		Params:    store,
		Predictor: quality.NewPredictor(models.MaterialProperties{}),
		SPC:       spc.NewEngine(config.SPCConfig{WindowSize: 10}),
		History:   cycle.NewHistory(8),
	})

	return api.NewServer(loop, ":0").Handler(), loop
}

func TestStartCycleAccepted(t *testing.T) {
	handler, _ := newTestHandler(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/cycle/start", nil)
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestStatusReportsIdleMachine(t *testing.T) {
	handler, _ := newTestHandler(t)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var status control.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, models.PhaseIdle, status.Phase)
	assert.Equal(t, 300.0, status.Parameters.HoldPressure)
	assert.False(t, status.PendingUpdate)
}

func TestUpdateParametersStaged(t *testing.T) {
	handler, loop := newTestHandler(t)

	body := strings.NewReader(`{"holdPressure": 350}`)
	req := httptest.NewRequest(http.MethodPatch, "/api/v1/parameters", body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, loop.Status().PendingUpdate)
}

func TestUpdateParametersRejectsOverLimit(t *testing.T) {
	handler, _ := newTestHandler(t)

	body := strings.NewReader(`{"holdPressure": 5000}`)
	req := httptest.NewRequest(http.MethodPatch, "/api/v1/parameters", body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestUpdateParametersRejectsMalformedBody(t *testing.T) {
	handler, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPatch, "/api/v1/parameters", strings.NewReader(`{"holdPressure": "high"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResetFaultConflictWhenNotFaulted(t *testing.T) {
	handler, _ := newTestHandler(t)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/machine/reset-fault", nil))

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestResetFaultConflictWhileEmergencyAsserted(t *testing.T) {
	handler, loop := newTestHandler(t)

	loop.EmergencyStop()
	loop.Tick(context.Background(), time.Now())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/machine/reset-fault", nil))

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestResetFaultAcceptedOnceInputReleased(t *testing.T) {
	handler, loop := newTestHandler(t)

	loop.EmergencyStop()
	loop.Tick(context.Background(), time.Now())
	loop.ReleaseEmergencyStop()

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/machine/reset-fault", nil))

	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestHealthz(t *testing.T) {
	handler, _ := newTestHandler(t)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "online", w.Body.String())
}
