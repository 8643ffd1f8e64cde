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

// Package api exposes the operator REST interface. Every handler is a thin
// shim over the control loop's command surface; no process state lives here.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/precisionmold/imc-core/pkg/config"
	"github.com/precisionmold/imc-core/pkg/constants"
	"github.com/precisionmold/imc-core/pkg/control"
	"github.com/precisionmold/imc-core/pkg/machine"
	"github.com/precisionmold/imc-core/pkg/safety"
)

// Server wraps the gin router and underlying http.Server.
type Server struct {
	loop *control.Loop
	http *http.Server
}

// NewServer builds the router against the control loop's command surface.
func NewServer(loop *control.Loop, addr string) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	// Add a ginzap middleware, which:
	//   - Logs all requests, like a combined access and error log.
	//   - Logs to stdout.
	//   - RFC3339 with UTC time format.
	router.Use(ginzap.Ginzap(zap.L(), time.RFC3339, true))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	router.Use(ginzap.RecoveryWithZap(zap.L(), true))

	s := &Server{
		loop: loop,
		http: &http.Server{Addr: addr, Handler: router},
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "online")
	})

	v1 := router.Group("/api/v1")
	{
		v1.POST("/cycle/start", s.startCycleHandler)
		v1.POST("/cycle/stop", s.stopCycleHandler)
		v1.POST("/machine/emergency-stop", s.emergencyStopHandler)
		v1.POST("/machine/reset-fault", s.resetFaultHandler)
		v1.PATCH("/parameters", s.updateParametersHandler)
		v1.GET("/status", s.statusHandler)
		v1.GET("/spc", s.spcHandler)
	}

	return s
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests with a bounded grace period.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, constants.APIShutdownTimeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func (s *Server) startCycleHandler(c *gin.Context) {
	s.loop.StartCycle()
	c.JSON(http.StatusAccepted, gin.H{"status": "start requested"})
}

func (s *Server) stopCycleHandler(c *gin.Context) {
	s.loop.StopCycle()
	c.JSON(http.StatusAccepted, gin.H{"status": "stop requested"})
}

func (s *Server) emergencyStopHandler(c *gin.Context) {
	s.loop.EmergencyStop()
	c.JSON(http.StatusAccepted, gin.H{"status": "emergency stop asserted"})
}

func (s *Server) resetFaultHandler(c *gin.Context) {
	err := s.loop.ResetFault()
	switch {
	case errors.Is(err, safety.ErrConditionsStillActive),
		errors.Is(err, machine.ErrNotFaulted):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		zap.S().Errorw("Fault reset failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusAccepted, gin.H{"status": "fault reset requested"})
	}
}

func (s *Server) updateParametersHandler(c *gin.Context) {
	var patch config.ParameterPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.loop.UpdateParameters(patch); err != nil {
		if errors.Is(err, config.ErrInvalidParameters) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		zap.S().Errorw("Parameter update failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// Staged, not yet live: the commit happens at the next idle tick.
	c.JSON(http.StatusAccepted, gin.H{"status": "parameters staged"})
}

func (s *Server) statusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.loop.Status())
}

func (s *Server) spcHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.loop.SPCSummary())
}
