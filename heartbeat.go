package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	heartbeatInterval = 10 * time.Minute
	heartbeatJitter   = 20 * time.Second
	registryTimeout   = 15 * time.Second
	firstWarnAfter    = 2
	maxWarnAfter      = 10
)

var ErrNameTaken = errors.New("server name already registered")

type registryRequest struct {
	Name    string `json:"name"`
	Port    int    `json:"port"`
	WebRTC  bool   `json:"webrtc"`
	Version string `json:"version,omitempty"`
}

// Registry announces the server to a public server registry and keeps the
// announcement alive with periodic heartbeats.
type Registry struct {
	baseURL string
	req     registryRequest
	auth    *Auth
	client  *http.Client
	notify  func(msg string)

	interval time.Duration
	jitter   time.Duration

	failures  int
	warnAfter int
}

// NewRegistry returns nil when no server name or registry URL is configured.
// notify receives messages meant for the GMs.
func NewRegistry(cfg Config, auth *Auth, notify func(msg string)) (*Registry, error) {
	if cfg.ServerName == "" || cfg.RegistryURL == "" {
		return nil, nil
	}
	port, err := cfg.Port()
	if err != nil {
		return nil, err
	}
	return &Registry{
		baseURL:   strings.TrimRight(cfg.RegistryURL, "/"),
		req:       registryRequest{Name: cfg.ServerName, Port: port, WebRTC: cfg.UseWebRTC, Version: cfg.Version},
		auth:      auth,
		client:    &http.Client{Timeout: registryTimeout},
		notify:    notify,
		interval:  heartbeatInterval,
		jitter:    heartbeatJitter,
		warnAfter: firstWarnAfter,
	}, nil
}

func (r *Registry) post(ctx context.Context, path string) error {
	body, err := json.Marshal(r.req)
	if err != nil {
		return err
	}
	token, err := r.auth.SignRegistryToken(r.req.Name, r.req.Port, r.req.WebRTC)
	if err != nil {
		return fmt.Errorf("sign registry token: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("registry %s: %w", path, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusConflict:
		return ErrNameTaken
	case resp.StatusCode >= 300:
		return fmt.Errorf("registry %s: %s", path, resp.Status)
	}
	return nil
}

func (r *Registry) Register(ctx context.Context) error   { return r.post(ctx, "/register") }
func (r *Registry) Heartbeat(ctx context.Context) error  { return r.post(ctx, "/heartbeat") }
func (r *Registry) Unregister(ctx context.Context) error { return r.post(ctx, "/unregister") }

func (r *Registry) nextInterval() time.Duration {
	if r.jitter <= 0 {
		return r.interval
	}
	return r.interval - r.jitter + rand.N(2*r.jitter+1)
}

// recordHeartbeat tracks consecutive failures. Warnings come after 2, then 6,
// then every 10 failures.
func (r *Registry) recordHeartbeat(err error) {
	if err == nil {
		if r.failures > 0 {
			Log.WithField("server", r.req.Name).Info("registry heartbeat recovered")
		}
		r.failures = 0
		r.warnAfter = firstWarnAfter
		return
	}
	r.failures++
	Log.WithError(err).WithField("failures", r.failures).Debug("registry heartbeat failed")
	if r.failures < r.warnAfter {
		return
	}
	Log.WithError(err).WithFields(logrus.Fields{"server": r.req.Name, "failures": r.failures}).Warn("registry heartbeat keeps failing")
	if r.notify != nil {
		r.notify(fmt.Sprintf("Server registry unreachable (%d failed heartbeats): %v", r.failures, err))
	}
	r.failures = 0
	r.warnAfter = min(r.warnAfter*3, maxWarnAfter)
}

// Run registers, heartbeats until ctx is done and then unregisters. Registry
// trouble never stops the server, so Run only returns ctx's error.
func (r *Registry) Run(ctx context.Context) error {
	log := Log.WithFields(logrus.Fields{"server": r.req.Name, "registry": r.baseURL})
	if err := r.Register(ctx); err != nil {
		if errors.Is(err, ErrNameTaken) {
			log.Error("server name is already taken in the registry")
		} else {
			log.WithError(err).Error("registry registration failed")
		}
		if r.notify != nil {
			r.notify("Could not register with the server registry: " + err.Error())
		}
		<-ctx.Done()
		return ctx.Err()
	}
	log.Info("registered with server registry")

	timer := time.NewTimer(r.nextInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			uctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
			if err := r.Unregister(uctx); err != nil {
				log.WithError(err).Warn("registry unregister failed")
			}
			cancel()
			return ctx.Err()
		case <-timer.C:
			r.recordHeartbeat(r.Heartbeat(ctx))
			timer.Reset(r.nextInterval())
		}
	}
}
