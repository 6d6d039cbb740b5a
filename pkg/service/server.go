// Copyright 2025 LiveKit, Inc.
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

package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/negroni/v3"
	"go.uber.org/atomic"

	"github.com/livekit/neteq/pkg/config"
	"github.com/livekit/neteq/pkg/logger"
	"github.com/livekit/neteq/pkg/mixer"
	"github.com/livekit/neteq/pkg/neteq"
	"github.com/livekit/neteq/pkg/telemetry/prometheus"
	"github.com/livekit/neteq/pkg/utils"
)

const shutdownTimeout = 5 * time.Second

// PlayoutServer runs one mixer and the HTTP surface around it: /ingest and
// /mix websockets, /stats and /metrics, and a health check at /.
type PlayoutServer struct {
	conf   *config.Config
	nodeID string
	logger logger.Logger

	mixer         *mixer.Mixer
	ingestService *IngestService
	mixService    *MixService
	statsService  *StatsService

	httpServer *http.Server
	promServer *http.Server
	addr       string

	startedAt time.Time
	nodeStats atomic.Pointer[prometheus.NodeStats]

	running  atomic.Bool
	doneChan chan struct{}
}

func NewPlayoutServer(conf *config.Config) (*PlayoutServer, error) {
	nodeID := conf.NodeID
	if nodeID == "" {
		nodeID = utils.NewGuid(utils.NodePrefix)
	}
	prometheus.Init(nodeID)

	s := &PlayoutServer{
		conf:      conf,
		nodeID:    nodeID,
		logger:    logger.GetLogger().WithComponent("server"),
		startedAt: time.Now(),
	}

	// the mixer needs its frame sink at construction; the sink needs the
	// mixer's format
	var mixService *MixService
	m, err := mixer.NewMixer(mixer.MixerParams{
		SampleRate:        conf.Engine.SampleRate,
		Channels:          conf.Engine.Channels,
		TickInterval:      conf.Mix.TickInterval,
		MixWorkers:        conf.Mix.Workers,
		DepartedStatsSize: conf.Mix.DepartedStatsSize,
		OnFrame: func(frame *neteq.AudioFrame) {
			mixService.Broadcast(frame)
		},
	})
	if err != nil {
		return nil, err
	}
	mixService = NewMixService(m)

	s.mixer = m
	s.mixService = mixService
	s.ingestService = NewIngestService(conf, m)
	s.statsService = NewStatsService(StatsServiceParams{
		NodeID:    nodeID,
		StartedAt: s.startedAt,
		Mixer:     m,
		Ingest:    s.ingestService,
		Mix:       mixService,
		NodeStats: s.nodeStats.Load,
	})

	mux := http.NewServeMux()
	mux.Handle("/ingest", s.ingestService)
	mux.Handle("/mix", s.mixService)
	mux.Handle("/stats", s.statsService)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", s.healthCheck)

	middlewares := []negroni.Handler{
		// always the first
		negroni.NewRecovery(),
		negroni.HandlerFunc(s.loggingMiddleware),
	}

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", conf.BindAddress, conf.Port),
		Handler: configureMiddlewares(mux, middlewares...),
	}

	if conf.PrometheusPort > 0 {
		promMux := http.NewServeMux()
		promMux.Handle("/metrics", promhttp.Handler())
		s.promServer = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", conf.BindAddress, conf.PrometheusPort),
			Handler: promMux,
		}
	}

	return s, nil
}

func (s *PlayoutServer) NodeID() string {
	return s.nodeID
}

// Addr returns the bound listen address. Valid once IsRunning reports true;
// useful when the configured port is 0.
func (s *PlayoutServer) Addr() string {
	return s.addr
}

func (s *PlayoutServer) IsRunning() bool {
	return s.running.Load()
}

// Start brings up the listeners and the mix loop, then blocks until Stop.
func (s *PlayoutServer) Start() error {
	if s.running.Load() {
		return errors.New("already running")
	}
	s.doneChan = make(chan struct{})

	// ensure we could listen
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.addr = ln.Addr().String()

	var promLn net.Listener
	if s.promServer != nil {
		promLn, err = net.Listen("tcp", s.promServer.Addr)
		if err != nil {
			_ = ln.Close()
			return err
		}
	}

	s.mixer.Start()

	go func() {
		s.logger.Infow("starting playout server",
			"address", s.addr,
			"nodeID", s.nodeID,
			"sampleRate", s.conf.Engine.SampleRate,
			"channels", s.conf.Engine.Channels,
		)
		_ = s.httpServer.Serve(ln)
	}()
	if s.promServer != nil {
		go func() {
			s.logger.Infow("starting prometheus listener", "address", s.promServer.Addr)
			_ = s.promServer.Serve(promLn)
		}()
	}
	go s.statsWorker()

	s.running.Store(true)

	<-s.doneChan

	// wait for shutdown
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = s.httpServer.Shutdown(ctx)
	if s.promServer != nil {
		_ = s.promServer.Shutdown(ctx)
	}

	s.mixer.Close()
	return nil
}

func (s *PlayoutServer) Stop() {
	if !s.running.Swap(false) {
		return
	}
	close(s.doneChan)
}

func (s *PlayoutServer) healthCheck(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("OK"))
}

// loggingMiddleware traces requests at debug level. Websocket handlers do
// their own connection-level logging; this covers the plain HTTP surface.
func (s *PlayoutServer) loggingMiddleware(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	start := time.Now()
	next(w, r)
	s.logger.Debugw("handled request",
		"method", r.Method,
		"path", r.URL.Path,
		"duration", time.Since(start),
	)
}

// statsWorker samples system load and traffic rates while the server runs.
func (s *PlayoutServer) statsWorker() {
	ticker := time.NewTicker(config.StatsUpdateInterval)
	defer ticker.Stop()

	prev := &prometheus.NodeStats{StartedAt: s.startedAt, UpdatedAt: s.startedAt}
	prevAverage := prev

	for {
		select {
		case <-s.doneChan:
			return
		case <-ticker.C:
			stats, computedAvg, err := prometheus.GetUpdatedNodeStats(prev, prevAverage)
			if err != nil {
				s.logger.Warnw("could not update node stats", err)
				continue
			}
			if computedAvg {
				prevAverage = stats
			}
			prev = stats
			s.nodeStats.Store(stats)
		}
	}
}

func configureMiddlewares(handler http.Handler, middlewares ...negroni.Handler) *negroni.Negroni {
	n := negroni.New()
	for _, m := range middlewares {
		n.Use(m)
	}
	n.UseHandler(handler)
	return n
}
